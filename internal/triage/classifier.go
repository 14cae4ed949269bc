// Package triage classifies inbound message metadata without I/O.
package triage

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/sells-group/inbox-cli/internal/model"
)

// Placeholders for missing fields.
const (
	NoSubject     = "(No Subject)"
	UnknownSender = "unknown"
)

// Classification is the ephemeral result of classifying one record.
type Classification struct {
	Confidence     model.ConfidenceBand `json:"confidence"`
	SuggestedState model.WorkItemState  `json:"suggested_state"`
	Tags           []string             `json:"tags"`
	IsVIP          bool                 `json:"is_vip"`
	Subject        string               `json:"subject"`
	Sender         string               `json:"sender"`
	ReceivedAt     time.Time            `json:"received_at"`
}

// Classifier applies keyword rules to raw records. It is safe for concurrent use.
type Classifier struct {
	urgent []*regexp.Regexp
	spam   []*regexp.Regexp
	vip    []string
	now    func() time.Time
}

// fold case-folds s. Casers carry state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// New compiles rules into a Classifier.
func New(rules Rules) *Classifier {
	c := &Classifier{now: time.Now}
	c.urgent = c.compile(rules.UrgentKeywords, false)
	c.spam = c.compile(rules.SpamPhrases, true)
	for _, d := range rules.VIPDomains {
		d = strings.TrimPrefix(strings.TrimSpace(fold(d)), "@")
		if d != "" {
			c.vip = append(c.vip, d)
		}
	}
	return c
}

// compile builds matchers anchored at a word start. wholeWord also anchors the
// end so the spam term "won" does not match "wonderful", while urgent keywords
// still match inflections such as "urgently" or "deadlines".
func (c *Classifier) compile(terms []string, wholeWord bool) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(fold(t))
		if t == "" {
			continue
		}
		expr := regexp.QuoteMeta(t)
		if isWordByte(t[0]) {
			expr = `\b` + expr
		}
		if wholeWord && isWordByte(t[len(t)-1]) {
			expr += `\b`
		}
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// Classify never fails; missing fields degrade to defaults.
func (c *Classifier) Classify(rec model.RawRecord) Classification {
	res := Classification{
		Confidence:     model.ConfidenceMedium,
		SuggestedState: model.StateNeedsReply,
		Tags:           []string{},
		Subject:        strings.TrimSpace(rec.Subject),
		Sender:         strings.TrimSpace(rec.Sender),
	}
	if res.Subject == "" {
		res.Subject = NoSubject
	}
	if res.Sender == "" {
		res.Sender = UnknownSender
	}
	if rec.Timestamp != nil && !rec.Timestamp.IsZero() {
		res.ReceivedAt = rec.Timestamp.UTC()
	} else {
		res.ReceivedAt = c.now().UTC()
	}

	text := fold(rec.Subject + "\n" + rec.Snippet)

	if matchAny(c.urgent, text) {
		res.Confidence = model.ConfidenceHigh
		res.Tags = append(res.Tags, "urgent")
	}

	if c.isVIP(res.Sender) {
		res.IsVIP = true
		res.Confidence = model.ConfidenceHigh
		res.Tags = append(res.Tags, "vip")
	}

	// Spam overrides confidence but keeps tags added above.
	if matchAny(c.spam, text) {
		res.SuggestedState = model.StateSpam
		res.Confidence = model.ConfidenceLow
	}

	return res
}

func (c *Classifier) isVIP(sender string) bool {
	domain := senderDomain(fold(sender))
	if domain == "" {
		return false
	}
	for _, d := range c.vip {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// senderDomain extracts the host from "user@host" or "Name <user@host>".
func senderDomain(sender string) string {
	if i := strings.LastIndex(sender, "<"); i >= 0 {
		sender = sender[i+1:]
		if j := strings.Index(sender, ">"); j >= 0 {
			sender = sender[:j]
		}
	}
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return ""
	}
	return strings.TrimSpace(sender[at+1:])
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
