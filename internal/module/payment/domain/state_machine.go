package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for transitions outside the machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// StateMachine validates payment status transitions.
type StateMachine struct {
	transitions map[Status][]Status
}

// NewStateMachine creates the payment state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[Status][]Status{
			StatusPending:   {StatusCompleted, StatusFailed},
			StatusCompleted: {StatusRefunded},
			StatusFailed:    {}, // Terminal state
			StatusRefunded:  {}, // Terminal state
		},
	}
}

// CanTransition checks if a transition from `from` to `to` is valid.
func (sm *StateMachine) CanTransition(from, to Status) bool {
	allowed, ok := sm.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition attempts to move a payment to a new status.
func (sm *StateMachine) Transition(p *Payment, to Status) error {
	if !sm.CanTransition(p.Status, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

// SourcesFor returns every status that may legally transition to the target.
// The ledger uses this set in its conditional update so that the
// read-then-write is a single atomic statement per record.
func (sm *StateMachine) SourcesFor(target Status) []Status {
	var sources []Status
	for from, allowed := range sm.transitions {
		for _, to := range allowed {
			if to == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}
