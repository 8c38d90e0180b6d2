// ABOUTME: Real-time event types and topic names shared by the relay, presence and transports
// ABOUTME: Events are advisory notifications; the store remains the source of truth

package conversation

import (
	"context"
	"time"

	"github.com/2389/concierge/internal/store"
)

// EventType names a real-time notification.
type EventType string

const (
	// EventNewMessage is delivered to a conversation's subscribers.
	EventNewMessage EventType = "new-message"
	// EventNewChat is delivered to admins when a conversation is created.
	EventNewChat EventType = "new-chat"
	// EventConversationUpdated is delivered to admins when a conversation changes.
	EventConversationUpdated EventType = "conversation-updated"
)

// AdminTopic carries presence events for every admin observer.
const AdminTopic = "admins"

// ConversationTopic returns the topic for one conversation's messages.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// Event is a single notification fanned out to subscribers.
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Message        *store.Message      `json:"message,omitempty"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	At             time.Time           `json:"at"`
}

// Publisher fans an event out to a topic's subscribers.
// Delivery is best effort and must never block the caller.
type Publisher interface {
	Publish(topic string, event *Event, excludeSubID string)
}

// Subscriber registers interest in a topic until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *Event, string)
}

// Hub is a Publisher that can also be subscribed to.
type Hub interface {
	Publisher
	Subscriber
}
