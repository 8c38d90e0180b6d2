// ABOUTME: Relay is the single entry point for posting, reading and watching conversation messages
// ABOUTME: Record first, then fan out, then hand customer messages to the AI bridge

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/concierge/internal/dedupe"
	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/store"
)

// MaxHistoryLimit caps a single history read.
const MaxHistoryLimit = 1000

// RelayStore defines what the relay needs from storage
type RelayStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error)
	UpdateConversationAssignment(ctx context.Context, id, adminID string, status store.ConversationStatus, at time.Time) error
	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessages(ctx context.Context, params store.ListMessagesParams) ([]*store.Message, error)
}

// AIRequester receives each persisted customer message. Implementations must
// not block on the AI call itself.
type AIRequester interface {
	RequestAIReply(ctx context.Context, msg *store.Message) error
}

// PostRequest is one message to persist and deliver.
type PostRequest struct {
	ConversationID string
	SenderType     store.SenderType
	SenderID       string // required for admin, forbidden otherwise
	Text           string

	// ClientMessageID makes retries idempotent when set.
	ClientMessageID string

	// DeliverAfter delays fan-out, not persistence. Used to pace AI replies.
	DeliverAfter time.Duration
}

// Deps wires a Relay. Store and Hub are required.
type Deps struct {
	Store       RelayStore
	Hub         Hub
	Presence    *Presence
	AI          AIRequester   // nil disables AI replies
	Idempotency *dedupe.Cache // nil disables retry detection
	Audit       AuditRecorder // nil disables the audit trail
	Clock       *Clock
	Logger      *slog.Logger
}

// AuditRecorder persists admin actions. store.Backend satisfies it.
type AuditRecorder interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

type actorKey struct{}

// WithActor attaches the acting admin to ctx so actions without an explicit
// admin argument, like closing, are attributed in the audit trail.
func WithActor(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, actorKey{}, adminID)
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// Relay routes messages through the store to subscribers.
type Relay struct {
	store       RelayStore
	hub         Hub
	presence    *Presence
	ai          AIRequester
	idempotency *dedupe.Cache
	audit       AuditRecorder
	clock       *Clock
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[*time.Timer]func() // delayed deliveries not yet fired
	closed  bool
}

// NewRelay creates a Relay from deps.
func NewRelay(deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewClock(nil)
	}
	presence := deps.Presence
	if presence == nil {
		presence = NewPresence(deps.Hub, logger)
	}
	return &Relay{
		store:       deps.Store,
		hub:         deps.Hub,
		presence:    presence,
		ai:          deps.AI,
		idempotency: deps.Idempotency,
		audit:       deps.Audit,
		clock:       clock,
		logger:      logger.With("component", "relay"),
		pending:     make(map[*time.Timer]func()),
	}
}

// SetAIRequester installs the AI hand-off after construction. The AI bridge
// posts replies back through the relay, so the two are wired in two steps.
func (r *Relay) SetAIRequester(ai AIRequester) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ai = ai
}

func (r *Relay) aiRequester() AIRequester {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ai
}

func validatePost(req *PostRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyMessage
	}
	if !req.SenderType.Valid() {
		return ErrInvalidSenderType
	}
	if req.SenderType == store.SenderAdmin && req.SenderID == "" {
		return ErrMissingSenderID
	}
	if req.SenderType != store.SenderAdmin && req.SenderID != "" {
		return ErrUnexpectedSenderID
	}
	return nil
}

// PostMessage validates, persists and delivers one message.
//
// Key principle: record first, then act. The message and the conversation's
// updated_at are written in one store transaction before anyone is notified.
// Nothing is written when an error is returned.
func (r *Relay) PostMessage(ctx context.Context, req PostRequest) (*store.Message, error) {
	if err := validatePost(&req); err != nil {
		metrics.PostFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	idemKey := ""
	if req.ClientMessageID != "" && r.idempotency != nil {
		idemKey = req.ConversationID + ":" + req.ClientMessageID
		existingID, reserved := r.idempotency.Reserve(idemKey)
		if !reserved {
			return r.replayDuplicate(ctx, existingID, req)
		}
	}

	msg, conv, err := r.persist(ctx, req)
	if err != nil {
		if idemKey != "" {
			r.idempotency.Release(idemKey)
		}
		return nil, err
	}
	if idemKey != "" {
		r.idempotency.Put(idemKey, msg.ID)
	}

	metrics.MessagesPosted.WithLabelValues(string(msg.SenderType)).Inc()
	r.logger.Debug("message recorded",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_type", msg.SenderType)

	r.scheduleDelivery(msg, conv, req.DeliverAfter)

	if msg.SenderType == store.SenderCustomer {
		if ai := r.aiRequester(); ai != nil {
			// The AI call must outlive the request that triggered it.
			if err := ai.RequestAIReply(context.WithoutCancel(ctx), msg); err != nil {
				r.logger.Error("failed to dispatch ai reply",
					"error", err,
					"conversation_id", msg.ConversationID,
					"message_id", msg.ID)
			}
		}
	}

	return msg, nil
}

func (r *Relay) persist(ctx context.Context, req PostRequest) (*store.Message, *store.Conversation, error) {
	conv, err := r.lookup(ctx, req.ConversationID)
	if err != nil {
		metrics.PostFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, nil, err
	}
	if conv.Status == store.StatusClosed {
		metrics.PostFailures.WithLabelValues("closed").Inc()
		return nil, nil, ErrConversationClosed
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		Text:           req.Text,
		CreatedAt:      r.clock.Now(),
	}

	if err := r.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.PostFailures.WithLabelValues("not_found").Inc()
			return nil, nil, ErrConversationNotFound
		}
		metrics.PostFailures.WithLabelValues("store").Inc()
		return nil, nil, unavailable("recording message", err)
	}

	if msg.SenderType == store.SenderAdmin {
		// the store fills the admin's display name on reads
		if stored, err := r.store.GetMessage(ctx, msg.ID); err == nil {
			msg.SenderName = stored.SenderName
		}
	}

	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return msg, conv, nil
}

func (r *Relay) replayDuplicate(ctx context.Context, existingID string, req PostRequest) (*store.Message, error) {
	if existingID == "" {
		return nil, ErrDuplicateInFlight
	}
	msg, err := r.store.GetMessage(ctx, existingID)
	if err != nil {
		return nil, unavailable("loading original message", err)
	}
	metrics.DuplicatePosts.Inc()
	r.logger.Debug("answered retried post from idempotency cache",
		"conversation_id", req.ConversationID,
		"client_message_id", req.ClientMessageID,
		"message_id", msg.ID)
	return msg, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	default:
		return "other"
	}
}

// lookup maps store errors onto relay errors.
func (r *Relay) lookup(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, unavailable("looking up conversation", err)
	}
	return conv, nil
}

func (r *Relay) scheduleDelivery(msg *store.Message, conv *store.Conversation, after time.Duration) {
	deliver := func() { r.deliver(msg, conv) }

	if after <= 0 {
		deliver()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		go deliver()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		r.mu.Lock()
		_, ok := r.pending[timer]
		delete(r.pending, timer)
		r.mu.Unlock()
		if ok {
			deliver()
		}
	})
	r.pending[timer] = deliver
}

// deliver fans the message out to conversation subscribers, then tells admins
// the conversation moved.
func (r *Relay) deliver(msg *store.Message, conv *store.Conversation) {
	r.hub.Publish(ConversationTopic(msg.ConversationID), &Event{
		Type:           EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             msg.CreatedAt,
	}, "")
	r.presence.ConversationTouched(msg.ConversationID, conv)
}

// History returns messages created after after (zero for all), oldest first.
// limit <= 0 or above MaxHistoryLimit is clamped to MaxHistoryLimit.
func (r *Relay) History(ctx context.Context, conversationID string, after time.Time, limit int) ([]*store.Message, error) {
	if _, err := r.lookup(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := r.store.ListMessages(ctx, store.ListMessagesParams{
		ConversationID: conversationID,
		After:          after,
		Limit:          limit,
	})
	if err != nil {
		return nil, unavailable("listing messages", err)
	}
	return msgs, nil
}

// Subscribe joins a conversation's live feed. The subscription ends when ctx
// is cancelled.
func (r *Relay) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string, error) {
	if _, err := r.lookup(ctx, conversationID); err != nil {
		return nil, "", err
	}
	ch, subID := r.hub.Subscribe(ctx, ConversationTopic(conversationID))
	return ch, subID, nil
}

// SubscribeAdmin joins the admin presence feed until ctx is cancelled.
func (r *Relay) SubscribeAdmin(ctx context.Context) (<-chan *Event, string) {
	return r.hub.Subscribe(ctx, AdminTopic)
}

// Conversation returns one conversation.
func (r *Relay) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return r.lookup(ctx, id)
}

// Conversations lists conversations, most recently active first.
func (r *Relay) Conversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	convs, err := r.store.ListConversations(ctx, limit)
	if err != nil {
		return nil, unavailable("listing conversations", err)
	}
	return convs, nil
}

// JoinConversation lets an admin claim a conversation. Claiming an already
// active conversation reassigns it. The first message never changes status.
func (r *Relay) JoinConversation(ctx context.Context, conversationID, adminID string) (*store.Conversation, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, ErrMissingAdmin
	}
	return r.transition(ctx, conversationID, adminID, TriggerClaim)
}

// CloseConversation ends a conversation. Later posts are rejected.
func (r *Relay) CloseConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return r.transition(ctx, conversationID, "", TriggerClose)
}

func (r *Relay) transition(ctx context.Context, conversationID, adminID string, trigger ClaimTrigger) (*store.Conversation, error) {
	conv, err := r.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	next, err := nextStatus(ctx, conv.Status, trigger)
	if err != nil {
		return nil, err
	}

	at := r.clock.Now()
	if err := r.store.UpdateConversationAssignment(ctx, conv.ID, adminID, next, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, unavailable(fmt.Sprintf("applying %s", trigger), err)
	}

	from := conv.Status
	metrics.RecordTransition(string(from), string(next))
	r.logger.Info("conversation transitioned",
		"conversation_id", conv.ID,
		"trigger", trigger,
		"from", from,
		"to", next,
		"admin_id", adminID)

	if adminID != "" {
		conv.AssignedAdmin = adminID
	}
	conv.Status = next
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}

	event := &Event{
		Type:           EventConversationUpdated,
		ConversationID: conv.ID,
		Conversation:   conv,
		At:             at,
	}
	r.hub.Publish(ConversationTopic(conv.ID), event, "")
	r.presence.ConversationTouched(conv.ID, conv)
	r.recordAudit(ctx, trigger, conv.ID, adminID, from, next, at)

	return conv, nil
}

func (r *Relay) recordAudit(ctx context.Context, trigger ClaimTrigger, conversationID, adminID string, from, to store.ConversationStatus, at time.Time) {
	if r.audit == nil {
		return
	}
	action := store.AuditClaimConversation
	if trigger == TriggerClose {
		action = store.AuditCloseConversation
	}
	if adminID == "" {
		adminID = actorFrom(ctx)
	}
	entry := &store.AuditEntry{
		ActorAdminID:   adminID,
		Action:         action,
		ConversationID: conversationID,
		Timestamp:      at,
		Detail:         map[string]any{"from": string(from), "to": string(to)},
	}
	// the transition already happened; a lost audit row is logged, not surfaced
	if err := r.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to record audit entry",
			"conversation_id", conversationID,
			"action", action,
			"error", err)
	}
}

// Close delivers any delayed messages immediately. Later delayed posts are
// delivered without waiting.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	flush := make([]func(), 0, len(r.pending))
	for timer, deliver := range r.pending {
		// a timer that already fired is left for its own callback to deliver
		if timer.Stop() {
			flush = append(flush, deliver)
			delete(r.pending, timer)
		}
	}
	r.mu.Unlock()

	for _, deliver := range flush {
		deliver()
	}
}

// PendingDeliveries reports how many delayed deliveries have not fired yet.
func (r *Relay) PendingDeliveries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
