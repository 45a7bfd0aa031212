package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type ActionType string

const (
	ActionView     ActionType = "view"
	ActionEscalate ActionType = "escalate"
	ActionDismiss  ActionType = "dismiss"
)

// Validate checks if the action type is valid
func (a ActionType) Validate() error {
	switch a {
	case ActionView, ActionEscalate, ActionDismiss:
		return nil
	default:
		return goerr.Wrap(ErrInvalidAction, "unknown action type", goerr.V("action_type", a))
	}
}

// AnalystAction is a single analyst interaction. It is folded into the threat counters when
// recorded and kept in the threat's bounded action log.
type AnalystAction struct {
	AnalystID        string     `json:"analyst_id"`
	ActionType       ActionType `json:"action_type"`
	Timestamp        time.Time  `json:"timestamp"`
	TimeSpentSeconds int        `json:"time_spent_seconds"`
}

// Validate checks if the action is valid
func (a *AnalystAction) Validate() error {
	if a.AnalystID == "" {
		return goerr.Wrap(ErrInvalidInput, "analyst id is empty")
	}
	if a.TimeSpentSeconds < 0 {
		return goerr.Wrap(ErrInvalidInput, "time spent is negative", goerr.V("time_spent_seconds", a.TimeSpentSeconds))
	}
	return a.ActionType.Validate()
}
