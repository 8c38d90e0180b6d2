// ABOUTME: Presence broadcaster that tells admin observers about new and changed conversations
// ABOUTME: At-most-once and advisory; admins recover by re-listing conversations

package conversation

import (
	"log/slog"
	"time"

	"github.com/2389/concierge/internal/store"
)

// Presence publishes admin-facing notifications on AdminTopic.
type Presence struct {
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewPresence creates a Presence on top of publisher. Pass nil logger for default.
func NewPresence(publisher Publisher, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With("component", "presence"),
	}
}

// ConversationCreated announces a new conversation to admins. The subscriber
// identified by excludeSubID, usually the customer who started it, is skipped.
func (p *Presence) ConversationCreated(conv *store.Conversation, excludeSubID string) {
	p.publisher.Publish(AdminTopic, &Event{
		Type:           EventNewChat,
		ConversationID: conv.ID,
		Conversation:   conv,
		At:             p.now().UTC(),
	}, excludeSubID)
	p.logger.Debug("announced new conversation", "conversation_id", conv.ID)
}

// ConversationTouched tells admins a conversation changed so they can re-sort
// their list. conv may be nil when only the id is known.
func (p *Presence) ConversationTouched(conversationID string, conv *store.Conversation) {
	p.publisher.Publish(AdminTopic, &Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		Conversation:   conv,
		At:             p.now().UTC(),
	}, "")
}
