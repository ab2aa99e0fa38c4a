package model

import "fmt"

// Status is the delivery state of an outbox record.
type Status string

const (
	StatusNew  Status = "NEW"
	StatusSent Status = "SENT"
	StatusErr  Status = "ERR"
)

// ErrInvalidTransition reports an attempt to leave a terminal state.
var ErrInvalidTransition = fmt.Errorf("invalid outbox status transition")

func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusSent, StatusErr:
		return true
	}
	return false
}

// IsTerminal reports whether the record can no longer change automatically.
// Requeueing an ERR record is a manual operator action, not a transition the
// core performs.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusErr
}

// CanTransitionTo reports whether the core may move a record from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusNew {
		return false
	}
	return next == StatusSent || next == StatusErr
}

func (s Status) String() string { return string(s) }
