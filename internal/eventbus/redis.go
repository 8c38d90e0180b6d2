// ABOUTME: Redis pub/sub bridge so events published on one instance reach subscribers on all
// ABOUTME: Wraps the local broadcaster; Redis only carries events between instances

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/metrics"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "concierge:events"

const (
	publishTimeout = 2 * time.Second
	outboxSize     = 1024
)

// outbound is an encoded event waiting to be forwarded to Redis.
type outbound struct {
	topic     string
	eventType conversation.EventType
	payload   []byte
}

// envelope is the wire form of an event on the Redis channel.
type envelope struct {
	Origin string              `json:"origin"`
	Topic  string              `json:"topic"`
	Event  *conversation.Event `json:"event"`
}

// Config configures a RedisBus.
type Config struct {
	URL     string
	Channel string
}

// RedisBus delivers events to local subscribers immediately and relays them
// to other instances through a Redis channel.
type RedisBus struct {
	local      *conversation.EventBroadcaster
	client     *redis.Client
	channel    string
	instanceID string
	outbox     chan outbound
	logger     *slog.Logger
}

// NewRedisBus connects to Redis and verifies it with a ping.
func NewRedisBus(ctx context.Context, local *conversation.EventBroadcaster, cfg Config, logger *slog.Logger) (*RedisBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return newBus(local, client, cfg.Channel, logger), nil
}

func newBus(local *conversation.EventBroadcaster, client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	id := uuid.New().String()
	return &RedisBus{
		local:      local,
		client:     client,
		channel:    channel,
		instanceID: id,
		outbox:     make(chan outbound, outboxSize),
		logger:     logger.With("component", "eventbus", "instance_id", id),
	}
}

var _ conversation.Hub = (*RedisBus)(nil)

// Publish delivers locally, then queues the event for other instances. It
// never waits on Redis: Run forwards the queue, and a full queue drops the
// forward with a warning. Local delivery has already happened either way.
func (b *RedisBus) Publish(topic string, event *conversation.Event, excludeSubID string) {
	b.local.Publish(topic, event, excludeSubID)

	payload, err := json.Marshal(envelope{Origin: b.instanceID, Topic: topic, Event: event})
	if err != nil {
		b.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}

	select {
	case b.outbox <- outbound{topic: topic, eventType: event.Type, payload: payload}:
	default:
		metrics.EventsNotForwarded.WithLabelValues(string(event.Type)).Inc()
		b.logger.Warn("event bus outbox full, event not forwarded", "topic", topic, "event_type", event.Type)
	}
}

// forward drains the outbox to Redis until ctx is cancelled.
func (b *RedisBus) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := b.client.Publish(pubCtx, b.channel, out.payload).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to forward event", "topic", out.topic, "event_type", out.eventType, "error", err)
			}
		}
	}
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan *conversation.Event, string) {
	return b.local.Subscribe(ctx, topic)
}

// Run forwards published events and consumes the Redis channel until ctx is
// cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		b.forward(ctx)
	}()
	defer func() {
		cancel()
		<-forwarded
	}()

	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("event bus subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

// handle re-publishes a remote event to local subscribers.
func (b *RedisBus) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	if env.Event == nil || env.Topic == "" {
		b.logger.Warn("dropping incomplete event", "origin", env.Origin)
		return
	}
	b.local.Publish(env.Topic, env.Event, "")
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client. The local broadcaster is left to its owner.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
