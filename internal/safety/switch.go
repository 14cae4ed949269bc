package safety

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
)

// FlagStore reads and upserts safety flags.
type FlagStore interface {
	FlagReader
	SetSafetyFlag(ctx context.Context, flag *model.SafetyFlag) error
}

// Switch is the operator control for the global kill switch.
type Switch struct {
	flags FlagStore
	now   func() time.Time
}

// NewSwitch creates a Switch.
func NewSwitch(flags FlagStore) *Switch {
	return &Switch{flags: flags, now: time.Now}
}

// Engage halts all outbound sends.
func (s *Switch) Engage(ctx context.Context, actor string) (*model.SafetyFlag, error) {
	return s.set(ctx, model.FlagActive, actor)
}

// Disengage resumes outbound sends.
func (s *Switch) Disengage(ctx context.Context, actor string) (*model.SafetyFlag, error) {
	return s.set(ctx, model.FlagInactive, actor)
}

func (s *Switch) set(ctx context.Context, value, actor string) (*model.SafetyFlag, error) {
	if actor == "" {
		return nil, eris.New("safety: actor is required")
	}
	flag := &model.SafetyFlag{
		Key:       model.KillSwitchKey,
		Value:     value,
		UpdatedAt: s.now().UTC(),
		UpdatedBy: actor,
	}
	if err := s.flags.SetSafetyFlag(ctx, flag); err != nil {
		return nil, eris.Wrap(err, "safety: set kill switch")
	}
	zap.L().Warn("safety: kill switch updated", zap.String("value", value), zap.String("updated_by", actor))
	return flag, nil
}

// Status returns the kill switch. An unset switch reads as INACTIVE.
func (s *Switch) Status(ctx context.Context) (*model.SafetyFlag, error) {
	flag, err := s.flags.GetSafetyFlag(ctx, model.KillSwitchKey)
	if err != nil {
		return nil, eris.Wrap(err, "safety: read kill switch")
	}
	if flag == nil {
		return &model.SafetyFlag{Key: model.KillSwitchKey, Value: model.FlagInactive}, nil
	}
	return flag, nil
}
