// ABOUTME: Sentinel errors returned by the session router and message relay
// ABOUTME: Transports map these to HTTP status codes and websocket error frames

package conversation

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every input rejection. Nothing is written
// when it is returned.
var ErrValidation = errors.New("validation failed")

var (
	ErrEmptyMessage       = fmt.Errorf("%w: message text is empty", ErrValidation)
	ErrInvalidSenderType  = fmt.Errorf("%w: unknown sender type", ErrValidation)
	ErrMissingSenderID    = fmt.Errorf("%w: admin messages require a sender id", ErrValidation)
	ErrUnexpectedSenderID = fmt.Errorf("%w: only admin messages carry a sender id", ErrValidation)
	ErrEmptySession       = fmt.Errorf("%w: session id is empty", ErrValidation)
	ErrMissingAdmin       = fmt.Errorf("%w: admin id is empty", ErrValidation)
)

// ErrConversationNotFound is returned when a conversation id does not resolve.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrStoreUnavailable is returned when the backing store fails. Callers may retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrConversationClosed is returned when posting to or claiming a closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid conversation transition")

// ErrDuplicateInFlight is returned when a retry arrives while the original
// post with the same client message id is still being written.
var ErrDuplicateInFlight = errors.New("a post with this client message id is in progress")

// unavailable wraps a backend failure so that it matches ErrStoreUnavailable
// while keeping the cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
