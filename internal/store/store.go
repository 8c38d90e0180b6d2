// ABOUTME: Store interface and data types for concierge persistence
// ABOUTME: Defines Conversation, Message, AdminUser and the narrow read/write contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a conversation already exists for a session id
var ErrDuplicateSession = errors.New("conversation already exists for session")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusWaiting ConversationStatus = "waiting" // no admin has joined yet
	StatusActive  ConversationStatus = "active"  // claimed by an admin
	StatusClosed  ConversationStatus = "closed"  // terminal
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAdmin    SenderType = "admin"
	SenderAI       SenderType = "ai"
	SenderSystem   SenderType = "system"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	switch t {
	case SenderCustomer, SenderAdmin, SenderAI, SenderSystem:
		return true
	}
	return false
}

// Conversation is a persistent thread of messages tied to one customer session.
type Conversation struct {
	ID            string
	SessionID     string
	CustomerName  string // empty when the customer gave no name
	AssignedAdmin string // empty until an admin joins
	Status        ConversationStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is a single immutable entry in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderType     SenderType
	SenderID       string // set only for admin messages
	SenderName     string // admin display name, filled on reads
	Text           string
	CreatedAt      time.Time
}

// ListMessagesParams filters a history read.
type ListMessagesParams struct {
	ConversationID string
	After          time.Time // exclusive lower bound on created_at; zero means from the start
	Limit          int       // <= 0 means no limit
}

// Store defines the persistence contract used by the relay.
// Implementations must return ErrNotFound for unknown ids and ErrDuplicateSession
// when a session already has a conversation. Any other error means the backend is
// unavailable.
type Store interface {
	// Conversations
	GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	UpdateConversationAssignment(ctx context.Context, id, adminID string, status ConversationStatus, at time.Time) error

	// Messages. AppendMessage inserts the message and advances the parent
	// conversation's updated_at as one unit. msg.CreatedAt is a proposal: it is
	// raised past the conversation's latest message while the write holds the
	// conversation row, so commit order and created_at order agree. The stored
	// value is written back to msg.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error)

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// Backend is everything a concrete store provides.
type Backend interface {
	Store
	AdminStore
	AuditStore
}

// nextCreatedAt returns proposed, or 1µs past last when proposed would not
// sort after it.
func nextCreatedAt(proposed, last time.Time) time.Time {
	proposed = proposed.UTC().Truncate(time.Microsecond)
	if last.IsZero() || proposed.After(last) {
		return proposed
	}
	return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
}
