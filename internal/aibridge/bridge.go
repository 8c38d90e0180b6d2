// ABOUTME: Turns a customer message into exactly one AI message, or none when the responder fails
// ABOUTME: Empty answers are replaced by canned clarification texts

package aibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/store"
)

// ErrorTypeNeedMoreInfo marks a responder answer that is itself a follow-up question.
const ErrorTypeNeedMoreInfo = "need_more_info"

// Canned clarification messages.
const (
	CannedMisunderstood = "Sorry, I'm having trouble understanding the question. " +
		"If you ask in a bit more detail I can point you to the right information."
	CannedTechnicalIssue = "Sorry, something seems to be wrong on our side. " +
		"Please ask again in a few seconds."
	CannedRephrase = "Sorry, could you ask that a different way? " +
		"I'll be able to give you a more accurate answer."
)

// Defaults applied by NewBridge.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultReplyDelay = time.Second
)

// Poster persists and delivers a message. *conversation.Relay satisfies it.
type Poster interface {
	PostMessage(ctx context.Context, req conversation.PostRequest) (*store.Message, error)
}

// Config tunes a Bridge.
type Config struct {
	// Timeout bounds a single responder call.
	Timeout time.Duration
	// ReplyDelay paces delivery of AI messages after they are stored.
	ReplyDelay time.Duration
}

// Bridge asks the responder for a reply and posts it into the conversation.
type Bridge struct {
	responder  Responder
	poster     Poster
	timeout    time.Duration
	replyDelay time.Duration
	logger     *slog.Logger
}

// NewBridge wires a bridge. A negative ReplyDelay disables pacing.
func NewBridge(responder Responder, poster Poster, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReplyDelay == 0 {
		cfg.ReplyDelay = DefaultReplyDelay
	}
	if cfg.ReplyDelay < 0 {
		cfg.ReplyDelay = 0
	}
	return &Bridge{
		responder:  responder,
		poster:     poster,
		timeout:    cfg.Timeout,
		replyDelay: cfg.ReplyDelay,
		logger:     logger.With("component", "aibridge"),
	}
}

// Reply makes one responder call for customerText. A usable answer is posted
// as an ai message, an empty one as a canned clarification. When the
// responder fails nothing is written and Reply returns nil.
//
// The call is detached from ctx cancellation: a customer disconnecting does
// not abort it.
func (b *Bridge) Reply(ctx context.Context, conversationID, customerText string) error {
	ctx = context.WithoutCancel(ctx)

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	start := time.Now()
	reply, err := b.responder.Respond(callCtx, conversationID, customerText)
	cancel()
	metrics.AIRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.AIRequests.WithLabelValues(metrics.AIOutcomeUnavailable).Inc()
		b.logger.Warn("ai responder unavailable",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}

	text, canned := replyText(reply)
	if canned {
		metrics.AIRequests.WithLabelValues(metrics.AIOutcomeCanned).Inc()
		b.logger.Info("ai reply empty, sending clarification",
			"conversation_id", conversationID,
			"error_type", reply.ErrorType,
		)
	} else {
		metrics.AIRequests.WithLabelValues(metrics.AIOutcomeReply).Inc()
	}

	msg, err := b.poster.PostMessage(ctx, conversation.PostRequest{
		ConversationID: conversationID,
		SenderType:     store.SenderAI,
		Text:           text,
		DeliverAfter:   b.replyDelay,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrConversationClosed) {
			b.logger.Info("conversation closed before ai reply", "conversation_id", conversationID)
			return nil
		}
		return fmt.Errorf("post ai reply: %w", err)
	}

	b.logger.Debug("ai reply stored",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"canned", canned,
	)
	return nil
}

// replyText picks the text to post and whether it is a canned substitute.
func replyText(reply *Reply) (string, bool) {
	if reply == nil || reply.Response == nil {
		if reply != nil && reply.ErrorType != "" {
			return CannedMisunderstood, true
		}
		return CannedTechnicalIssue, true
	}

	// need_more_info answers are follow-up questions and go out verbatim
	if text := strings.TrimSpace(*reply.Response); text != "" {
		return text, false
	}

	if reply.ErrorType != "" {
		return CannedMisunderstood, true
	}
	return CannedRephrase, true
}
