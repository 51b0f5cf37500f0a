package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()

	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRefunded, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusPending, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusRefunded, StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, sm.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStateMachineTransitionMutatesOnlyWhenLegal(t *testing.T) {
	sm := NewStateMachine()
	p := NewPayment(uuid.New(), uuid.New(), 500000, "VND", GatewayRedirect, "TX1")

	require.NoError(t, sm.Transition(p, StatusCompleted))
	assert.Equal(t, StatusCompleted, p.Status)

	err := sm.Transition(p, StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestSourcesFor(t *testing.T) {
	sm := NewStateMachine()

	assert.ElementsMatch(t, []Status{StatusPending}, sm.SourcesFor(StatusCompleted))
	assert.ElementsMatch(t, []Status{StatusPending}, sm.SourcesFor(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusCompleted}, sm.SourcesFor(StatusRefunded))
	assert.Empty(t, sm.SourcesFor(StatusPending))
}

func TestNewPaymentDefaults(t *testing.T) {
	userID, courseID := uuid.New(), uuid.New()
	p := NewPayment(userID, courseID, 1999, "USD", GatewayHosted, "TXABC")

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, MethodCreditCard, p.Method)
	assert.Equal(t, "TXABC", p.TransactionID)
	assert.False(t, p.Refundable())
	assert.False(t, p.Status.IsTerminal())
}
