package triage

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules are the keyword sets the classifier matches against.
type Rules struct {
	UrgentKeywords []string `yaml:"urgent_keywords"`
	VIPDomains     []string `yaml:"vip_domains"`
	SpamPhrases    []string `yaml:"spam_phrases"`
}

// DefaultRules returns the built-in keyword sets.
func DefaultRules() Rules {
	return Rules{
		UrgentKeywords: []string{"urgent", "asap", "emergency", "immediate", "deadline"},
		VIPDomains:     []string{"vip.com", "internal.com"},
		SpamPhrases:    []string{"verify your account", "claim your prize", "lottery", "won"},
	}
}

// Merge returns r with every non-empty set in o replacing its counterpart.
func (r Rules) Merge(o Rules) Rules {
	if len(o.UrgentKeywords) > 0 {
		r.UrgentKeywords = o.UrgentKeywords
	}
	if len(o.VIPDomains) > 0 {
		r.VIPDomains = o.VIPDomains
	}
	if len(o.SpamPhrases) > 0 {
		r.SpamPhrases = o.SpamPhrases
	}
	return r
}

// LoadRules reads a YAML rule file. Sets missing from the file keep their defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "triage: read rules %s", path)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, eris.Wrapf(err, "triage: parse rules %s", path)
	}
	return DefaultRules().Merge(r), nil
}
