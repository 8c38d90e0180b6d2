// ABOUTME: JSON wire types for conversations, messages and real-time events
// ABOUTME: Converts store rows into API responses and renders message markdown

package gateway

import (
	"bytes"
	"time"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/store"
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	AssignedAdmin string `json:"assigned_admin,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderType     string `json:"sender_type"`
	SenderID       string `json:"sender_id,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text"`
	HTML           string `json:"html,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// EventFrame is one real-time event as sent over SSE and websockets.
type EventFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Message        *MessageResponse      `json:"message,omitempty"`
	Conversation   *ConversationResponse `json:"conversation,omitempty"`
	At             string                `json:"at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toConversationResponse(c *store.Conversation) *ConversationResponse {
	if c == nil {
		return nil
	}
	return &ConversationResponse{
		ID:            c.ID,
		SessionID:     c.SessionID,
		CustomerName:  c.CustomerName,
		AssignedAdmin: c.AssignedAdmin,
		Status:        string(c.Status),
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
	}
}

func toMessageResponse(m *store.Message) *MessageResponse {
	if m == nil {
		return nil
	}
	return &MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderType:     string(m.SenderType),
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Text:           m.Text,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func toEventFrame(ev *conversation.Event) *EventFrame {
	return &EventFrame{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Message:        toMessageResponse(ev.Message),
		Conversation:   toConversationResponse(ev.Conversation),
		At:             formatTime(ev.At),
	}
}

// renderMarkdown converts message text to HTML. Raw HTML in the source is
// dropped by goldmark's default renderer.
func (g *Gateway) renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AuditEntryResponse is the wire form of an audit log entry.
type AuditEntryResponse struct {
	ID             string         `json:"id"`
	ActorAdminID   string         `json:"actor_admin_id,omitempty"`
	Action         string         `json:"action"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      string         `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

func toAuditEntryResponse(e *store.AuditEntry) *AuditEntryResponse {
	return &AuditEntryResponse{
		ID:             e.ID,
		ActorAdminID:   e.ActorAdminID,
		Action:         string(e.Action),
		ConversationID: e.ConversationID,
		Timestamp:      formatTime(e.Timestamp),
		Detail:         e.Detail,
	}
}
