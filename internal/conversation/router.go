// ABOUTME: SessionRouter maps a customer session to exactly one conversation
// ABOUTME: Idempotent: a returning session gets its existing conversation back unchanged

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/store"
)

// RouterStore is what the session router needs from storage.
type RouterStore interface {
	GetConversationBySession(ctx context.Context, sessionID string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
}

// ResolveRequest identifies the customer starting or resuming a chat.
type ResolveRequest struct {
	SessionID    string
	CustomerName string
	// OriginSubID is the starting client's own subscription, excluded from
	// the new-chat announcement.
	OriginSubID string
}

// SessionRouter resolves sessions to conversations.
type SessionRouter struct {
	store    RouterStore
	presence *Presence
	clock    *Clock
	logger   *slog.Logger
}

// NewSessionRouter creates a router. presence may be nil to skip announcements.
func NewSessionRouter(s RouterStore, presence *Presence, clock *Clock, logger *slog.Logger) *SessionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = NewClock(nil)
	}
	return &SessionRouter{
		store:    s,
		presence: presence,
		clock:    clock,
		logger:   logger.With("component", "router"),
	}
}

// ResolveConversation returns the conversation for req.SessionID, creating it
// in the waiting state on first contact. created reports whether this call
// made it.
func (r *SessionRouter) ResolveConversation(ctx context.Context, req ResolveRequest) (conv *store.Conversation, created bool, err error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, false, ErrEmptySession
	}

	conv, err = r.store.GetConversationBySession(ctx, sessionID)
	if err == nil {
		r.logger.Debug("found existing conversation", "conversation_id", conv.ID, "session_id", sessionID)
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, unavailable("looking up session", err)
	}

	now := r.clock.Now()
	conv = &store.Conversation{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		CustomerName: strings.TrimSpace(req.CustomerName),
		Status:       store.StatusWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.CreateConversation(ctx, conv); err != nil {
		// Another start for the same session won the insert; return the winner.
		if errors.Is(err, store.ErrDuplicateSession) {
			r.logger.Debug("conversation creation hit duplicate, retrying lookup", "session_id", sessionID)
			existing, lookupErr := r.store.GetConversationBySession(ctx, sessionID)
			if lookupErr == nil {
				return existing, false, nil
			}
			r.logger.Error("retry lookup failed after duplicate error",
				"session_id", sessionID,
				"lookup_error", lookupErr)
			return nil, false, unavailable("looking up session after duplicate", lookupErr)
		}
		return nil, false, unavailable("creating conversation", err)
	}

	metrics.ConversationsCreated.Inc()
	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"session_id", sessionID,
		"customer_name", conv.CustomerName)

	if r.presence != nil {
		r.presence.ConversationCreated(conv, req.OriginSubID)
	}
	return conv, true, nil
}
