// ABOUTME: HTTP handlers for sessions, messages, history and admin conversation control
// ABOUTME: Maps relay sentinel errors onto JSON error responses

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 64 << 10
)

// errUnauthorized rejects an admin action without a valid token.
var errUnauthorized = errors.New("admin authentication required")

// ResolveSessionRequest starts or resumes a customer chat.
type ResolveSessionRequest struct {
	SessionID    string `json:"session_id"`
	CustomerName string `json:"customer_name,omitempty"`
}

// ResolveSessionResponse is returned by POST /api/sessions.
type ResolveSessionResponse struct {
	Conversation *ConversationResponse `json:"conversation"`
	Created      bool                  `json:"created"`
}

// PostMessageRequest is the body of POST /api/conversations/{id}/messages.
type PostMessageRequest struct {
	Message         string `json:"message"`
	SenderType      string `json:"sender_type,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// MessageEnvelope wraps a single posted message.
type MessageEnvelope struct {
	Message *MessageResponse `json:"message"`
}

// HistoryResponse is returned by GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	Messages []*MessageResponse `json:"messages"`
}

// ConversationListResponse is returned by GET /api/conversations.
type ConversationListResponse struct {
	Conversations []*ConversationResponse `json:"conversations"`
}

// AdminActionRequest carries the admin id when auth is disabled.
type AdminActionRequest struct {
	AdminID string `json:"admin_id,omitempty"`
}

// AuditListResponse is returned by GET /api/admin/audit.
type AuditListResponse struct {
	Entries []*AuditEntryResponse `json:"entries"`
}

// LoginRequest is the body of POST /api/admin/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued admin token.
type LoginResponse struct {
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
	AdminID     string `json:"admin_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// errorStatus maps a relay error onto an HTTP status and a client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, conversation.ErrConversationClosed),
		errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, conversation.ErrDuplicateInFlight):
		return http.StatusConflict, err.Error()
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// sendRelayError writes the response for an error returned by the relay.
func (g *Gateway) sendRelayError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	g.sendJSONError(w, status, msg)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

// parseLimit reads ?limit=, defaulting to def and capping at maxListLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// handleResolveSession handles POST /api/sessions.
func (g *Gateway) handleResolveSession(w http.ResponseWriter, r *http.Request) {
	var req ResolveSessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := g.router.ResolveConversation(r.Context(), conversation.ResolveRequest{
		SessionID:    req.SessionID,
		CustomerName: req.CustomerName,
	})
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, ResolveSessionResponse{
		Conversation: toConversationResponse(conv),
		Created:      created,
	})
}

// senderFor decides who a post is from. Only customers and admins may post
// over the public API; ai and system messages come from inside the gateway.
func (g *Gateway) senderFor(ctx context.Context, senderType, senderID string) (store.SenderType, string, error) {
	switch store.SenderType(senderType) {
	case "", store.SenderCustomer:
		return store.SenderCustomer, senderID, nil
	case store.SenderAdmin:
		if !g.authEnabled() {
			return store.SenderAdmin, senderID, nil
		}
		authCtx := auth.FromContext(ctx)
		if authCtx == nil {
			return "", "", errUnauthorized
		}
		return store.SenderAdmin, authCtx.AdminID, nil
	default:
		return "", "", fmt.Errorf("%w: sender_type must be customer or admin", conversation.ErrValidation)
	}
}

// handlePostMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	senderType, senderID, err := g.senderFor(r.Context(), req.SenderType, req.SenderID)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	clientMessageID := req.ClientMessageID
	if clientMessageID == "" {
		clientMessageID = r.Header.Get("Idempotency-Key")
	}

	// A client that disconnects after sending must not abort the write.
	msg, err := g.relay.PostMessage(context.WithoutCancel(r.Context()), conversation.PostRequest{
		ConversationID:  r.PathValue("id"),
		SenderType:      senderType,
		SenderID:        senderID,
		Text:            req.Message,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, MessageEnvelope{Message: toMessageResponse(msg)})
}

// handleHistory handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var after time.Time
	if raw := query.Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "after must be an RFC3339 timestamp")
			return
		}
		after = t
	}

	limit, err := parseLimit(r, maxListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.relay.History(r.Context(), r.PathValue("id"), after, limit)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	renderHTML := query.Get("render") == "html"
	out := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp := toMessageResponse(m)
		if renderHTML {
			html, err := g.renderMarkdown(m.Text)
			if err != nil {
				g.logger.Warn("failed to render message", "message_id", m.ID, "error", err)
			} else {
				resp.HTML = html
			}
		}
		out = append(out, resp)
	}

	g.sendJSON(w, http.StatusOK, HistoryResponse{Messages: out})
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := g.relay.Conversations(r.Context(), limit)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	out := make([]*ConversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, ConversationListResponse{Conversations: out})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.relay.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// adminIDFor returns the acting admin: the token's subject, or the body's
// admin_id when auth is disabled.
func (g *Gateway) adminIDFor(r *http.Request) (string, error) {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.AdminID, nil
	}
	var req AdminActionRequest
	if err := decodeBody(r, &req); err != nil {
		return "", fmt.Errorf("%w: %v", conversation.ErrValidation, err)
	}
	return strings.TrimSpace(req.AdminID), nil
}

// handleJoinConversation handles POST /api/conversations/{id}/join.
func (g *Gateway) handleJoinConversation(w http.ResponseWriter, r *http.Request) {
	adminID, err := g.adminIDFor(r)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	conv, err := g.relay.JoinConversation(r.Context(), r.PathValue("id"), adminID)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleCloseConversation handles POST /api/conversations/{id}/close.
func (g *Gateway) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	adminID, err := g.adminIDFor(r)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	ctx := conversation.WithActor(r.Context(), adminID)
	conv, err := g.relay.CloseConversation(ctx, r.PathValue("id"))
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleLogin handles POST /api/admin/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !g.authEnabled() {
		g.sendJSONError(w, http.StatusNotFound, "admin auth is disabled")
		return
	}

	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.authn.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		g.logger.Error("admin login failed", "username", req.Username, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	g.logger.Info("admin logged in", "admin_id", sess.Admin.ID)
	if err := g.store.AppendAuditLog(context.WithoutCancel(r.Context()), &store.AuditEntry{
		ActorAdminID: sess.Admin.ID,
		Action:       store.AuditAdminLogin,
	}); err != nil {
		g.logger.Warn("failed to record login", "admin_id", sess.Admin.ID, "error", err)
	}
	g.sendJSON(w, http.StatusOK, LoginResponse{
		Token:       sess.Token,
		ExpiresAt:   formatTime(sess.ExpiresAt),
		AdminID:     sess.Admin.ID,
		DisplayName: sess.Admin.DisplayName,
	})
}

// handleListAudit handles GET /api/admin/audit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		ConversationID: q.Get("conversation_id"),
		ActorAdminID:   q.Get("admin_id"),
		Action:         store.AuditAction(q.Get("action")),
	}
	if filter.Action != "" && !filter.Action.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown audit action")
		return
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
		return
	}

	out := make([]*AuditEntryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toAuditEntryResponse(&entries[i]))
	}
	g.sendJSON(w, http.StatusOK, AuditListResponse{Entries: out})
}
