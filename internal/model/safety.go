package model

import "time"

// KillSwitchKey is the flag key of the global send halt.
const KillSwitchKey = "global_kill_switch"

// Flag values.
const (
	FlagActive   = "ACTIVE"
	FlagInactive = "INACTIVE"
)

// SafetyFlag is an operator-controlled system flag.
type SafetyFlag struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// Active reports whether the flag is engaged. A nil flag is not engaged.
func (f *SafetyFlag) Active() bool {
	return f != nil && f.Value == FlagActive
}
