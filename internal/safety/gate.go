// Package safety holds the outbound send guard and the operator kill switch.
package safety

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
)

// Denial codes.
const (
	CodeHalted         = "halted"
	CodeNotWhitelisted = "not_whitelisted"
	CodeError          = "error"
)

// FlagReader reads safety flags. A missing flag is returned as nil, nil.
type FlagReader interface {
	GetSafetyFlag(ctx context.Context, key string) (*model.SafetyFlag, error)
}

// Verdict is the gate's answer for one send attempt.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(code, reason string) Verdict {
	return Verdict{Code: code, Reason: reason}
}

// Gate authorizes outbound sends. It holds no cached state; every call reads
// the kill switch.
type Gate struct {
	flags     FlagReader
	allowlist []string
}

// NewGate creates a Gate. An empty allowlist permits any recipient.
func NewGate(flags FlagReader, allowlist []string) *Gate {
	var list []string
	for _, a := range allowlist {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			list = append(list, a)
		}
	}
	return &Gate{flags: flags, allowlist: list}
}

// AuthorizeSend decides whether a message may go to recipient. A failed flag
// lookup denies.
func (g *Gate) AuthorizeSend(ctx context.Context, tenantID, recipient string) Verdict {
	log := zap.L().With(zap.String("tenant_id", tenantID), zap.String("recipient", recipient))

	flag, err := g.flags.GetSafetyFlag(ctx, model.KillSwitchKey)
	if err != nil {
		log.Error("safety: kill switch lookup failed", zap.Error(err))
		return deny(CodeError, "safety check unavailable")
	}
	if flag.Active() {
		log.Warn("safety: send blocked, system halted", zap.String("engaged_by", flag.UpdatedBy))
		return deny(CodeHalted, "system halted")
	}

	if len(g.allowlist) > 0 && !g.allowed(recipient) {
		log.Warn("safety: send blocked, recipient not whitelisted")
		return deny(CodeNotWhitelisted, "not whitelisted")
	}
	return allow()
}

// allowed is a substring match: "example.com" admits "bob@example.com".
func (g *Gate) allowed(recipient string) bool {
	r := strings.ToLower(recipient)
	for _, a := range g.allowlist {
		if strings.Contains(r, a) {
			return true
		}
	}
	return false
}
