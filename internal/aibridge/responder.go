// ABOUTME: HTTP client for the external AI responder service
// ABOUTME: Any transport failure, non-2xx status or malformed body becomes ErrAIUnavailable

package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrAIUnavailable means the responder gave no usable answer.
var ErrAIUnavailable = errors.New("ai responder unavailable")

// DefaultPath is the responder endpoint used when none is configured.
const DefaultPath = "/chat"

// Request is the body sent to the responder.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// Reply is the responder's answer. Response is nil when the field was absent.
type Reply struct {
	Response  *string `json:"response"`
	ErrorType string  `json:"error_type,omitempty"`
}

// Responder asks an AI service for a reply to one customer message.
type Responder interface {
	Respond(ctx context.Context, conversationID, message string) (*Reply, error)
}

// HTTPResponder calls the responder over HTTP with a bounded timeout.
type HTTPResponder struct {
	client *resty.Client
	path   string
}

// NewHTTPResponder creates a responder client for baseURL.
func NewHTTPResponder(baseURL, path string, timeout time.Duration) *HTTPResponder {
	if path == "" {
		path = DefaultPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "concierge/1.0").
		SetTimeout(timeout)

	return &HTTPResponder{client: client, path: path}
}

// Respond posts the customer's message and decodes the reply.
func (r *HTTPResponder) Respond(ctx context.Context, conversationID, message string) (*Reply, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetHeader("Accept", "application/json").
		SetBody(Request{Message: message, ConversationID: conversationID}).
		Post(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAIUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status %d", ErrAIUnavailable, resp.StatusCode())
	}

	var reply Reply
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %w", ErrAIUnavailable, err)
	}
	return &reply, nil
}
