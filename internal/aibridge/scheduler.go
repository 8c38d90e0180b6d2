// ABOUTME: Hands persisted customer messages to the worker queue as aibridge:reply tasks
// ABOUTME: Implements conversation.AIRequester so the relay never waits on the responder

package aibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/store"
	"github.com/2389/concierge/internal/worker"
)

// TaskTypeReply is the worker task that runs Bridge.Reply.
const TaskTypeReply = "aibridge:reply"

// ReplyPayload is the JSON payload carried by a reply task.
type ReplyPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// Scheduler queues AI replies on a dispatcher.
type Scheduler struct {
	dispatcher worker.Dispatcher
	bridge     *Bridge
	logger     *slog.Logger
}

// NewScheduler registers the reply handler on d. Call before d.Run.
func NewScheduler(d worker.Dispatcher, bridge *Bridge, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher: d,
		bridge:     bridge,
		logger:     logger.With("component", "ai_scheduler"),
	}
	d.Register(TaskTypeReply, s.handle)
	return s
}

var _ conversation.AIRequester = (*Scheduler)(nil)

// RequestAIReply dispatches a reply task for msg.
func (s *Scheduler) RequestAIReply(ctx context.Context, msg *store.Message) error {
	payload, err := json.Marshal(ReplyPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Text:           msg.Text,
	})
	if err != nil {
		return fmt.Errorf("encode reply task: %w", err)
	}

	if err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), worker.Task{
		Type:    TaskTypeReply,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("dispatch reply task: %w", err)
	}

	s.logger.Debug("ai reply queued",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
	)
	return nil
}

func (s *Scheduler) handle(ctx context.Context, task worker.Task) error {
	var p ReplyPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("decode reply task: %w", err)
	}
	return s.bridge.Reply(ctx, p.ConversationID, p.Text)
}
