// ABOUTME: Claim state machine for conversation status built on qmuntal/stateless
// ABOUTME: waiting -claim-> active, active -claim-> active, waiting|active -close-> closed

package conversation

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/2389/concierge/internal/store"
)

// ClaimTrigger is an admin action that may change a conversation's status.
type ClaimTrigger string

const (
	// TriggerClaim assigns an admin. Claiming an active conversation reassigns it.
	TriggerClaim ClaimTrigger = "claim"
	// TriggerClose ends the conversation. Closed is terminal.
	TriggerClose ClaimTrigger = "close"
)

// newClaimMachine builds a machine positioned at the given status.
// Machines are cheap and built per request; the store holds the real state.
func newClaimMachine(status store.ConversationStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(store.StatusWaiting).
		Permit(TriggerClaim, store.StatusActive).
		Permit(TriggerClose, store.StatusClosed)

	sm.Configure(store.StatusActive).
		PermitReentry(TriggerClaim).
		Permit(TriggerClose, store.StatusClosed)

	sm.Configure(store.StatusClosed)

	return sm
}

// nextStatus returns the status reached by firing trigger from current.
// Errors match ErrInvalidTransition; leaving a closed conversation also
// matches ErrConversationClosed.
func nextStatus(ctx context.Context, current store.ConversationStatus, trigger ClaimTrigger) (store.ConversationStatus, error) {
	if !current.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}

	sm := newClaimMachine(current)
	if err := sm.FireCtx(ctx, trigger); err != nil {
		if current == store.StatusClosed {
			return "", fmt.Errorf("%w: %w", ErrInvalidTransition, ErrConversationClosed)
		}
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, current)
	}

	next, ok := sm.MustState().(store.ConversationStatus)
	if !ok {
		return "", fmt.Errorf("%w: unexpected state %v", ErrInvalidTransition, sm.MustState())
	}
	return next, nil
}
