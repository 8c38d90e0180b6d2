// ABOUTME: REST client for the concierge gateway built on resty
// ABOUTME: Wraps login, conversation, history and audit endpoints with typed responses

package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/concierge/internal/gateway"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one gateway.
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL. An empty token sends no Authorization header.
func New(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "concierge-admin/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(15 * time.Second)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// check turns a transport error or a non-2xx response into an error.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		apiErr, _ := resp.Error().(*APIError)
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

// Ready checks /health/ready.
func (c *Client) Ready(ctx context.Context) error {
	// health endpoints answer plain text
	resp, err := c.http.R().SetContext(ctx).Get("/health/ready")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	return nil
}

// Login exchanges admin credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (*gateway.LoginResponse, error) {
	var out gateway.LoginResponse
	err := check(c.request(ctx).
		SetBody(gateway.LoginRequest{Username: username, Password: password}).
		SetResult(&out).
		Post("/api/admin/login"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists conversations, most recently active first.
func (c *Client) Conversations(ctx context.Context, limit int) ([]*gateway.ConversationResponse, error) {
	var out gateway.ConversationListResponse
	req := c.request(ctx).SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := check(req.Get("/api/conversations")); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// History returns a conversation's messages in order.
func (c *Client) History(ctx context.Context, conversationID string) ([]*gateway.MessageResponse, error) {
	var out gateway.HistoryResponse
	err := check(c.request(ctx).
		SetResult(&out).
		Get("/api/conversations/" + url.PathEscape(conversationID) + "/messages"))
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Join claims a conversation. adminID is ignored by gateways with auth enabled.
func (c *Client) Join(ctx context.Context, conversationID, adminID string) (*gateway.ConversationResponse, error) {
	return c.adminAction(ctx, conversationID, "join", adminID)
}

// Close ends a conversation.
func (c *Client) Close(ctx context.Context, conversationID, adminID string) (*gateway.ConversationResponse, error) {
	return c.adminAction(ctx, conversationID, "close", adminID)
}

func (c *Client) adminAction(ctx context.Context, conversationID, action, adminID string) (*gateway.ConversationResponse, error) {
	var out gateway.ConversationResponse
	err := check(c.request(ctx).
		SetBody(gateway.AdminActionRequest{AdminID: adminID}).
		SetResult(&out).
		Post("/api/conversations/" + url.PathEscape(conversationID) + "/" + action))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditQuery filters the audit log. Zero values match everything.
type AuditQuery struct {
	ConversationID string
	AdminID        string
	Action         string
	Since          time.Time
	Limit          int
}

// Audit lists audit entries, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]*gateway.AuditEntryResponse, error) {
	var out gateway.AuditListResponse
	req := c.request(ctx).SetResult(&out)
	if q.ConversationID != "" {
		req.SetQueryParam("conversation_id", q.ConversationID)
	}
	if q.AdminID != "" {
		req.SetQueryParam("admin_id", q.AdminID)
	}
	if q.Action != "" {
		req.SetQueryParam("action", q.Action)
	}
	if !q.Since.IsZero() {
		req.SetQueryParam("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(q.Limit))
	}
	if err := check(req.Get("/api/admin/audit")); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
