// ABOUTME: Tests for the HTTP API: sessions, posting, history and admin conversation control
// ABOUTME: Verifies status codes for each relay error and the AI reply hand-off

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/store"
)

func TestResolveSession_CreatesOnceThenReturnsExisting(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, body := tg.do(t, http.MethodPost, "/api/sessions",
		ResolveSessionRequest{SessionID: "sess-1", CustomerName: "Ana"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var first ResolveSessionResponse
	require.NoError(t, json.Unmarshal(body, &first))
	assert.True(t, first.Created)
	assert.Equal(t, "waiting", first.Conversation.Status)
	assert.Equal(t, "Ana", first.Conversation.CustomerName)

	resp, body = tg.do(t, http.MethodPost, "/api/sessions",
		ResolveSessionRequest{SessionID: "sess-1", CustomerName: "Someone Else"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var second ResolveSessionResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, "Ana", second.Conversation.CustomerName)
}

func TestResolveSession_Validation(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, _ := tg.do(t, http.MethodPost, "/api/sessions", ResolveSessionRequest{SessionID: "  "}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// no body at all
	resp, _ = tg.do(t, http.MethodPost, "/api/sessions", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostMessage_StoresAndReturnsMessage(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-post")

	resp, body := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		PostMessageRequest{Message: "Where is my order?"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out MessageEnvelope
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "customer", out.Message.SenderType)
	assert.Equal(t, conv.ID, out.Message.ConversationID)

	msgs := tg.history(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Where is my order?", msgs[0].Text)
}

func TestPostMessage_Errors(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-errors")

	tests := []struct {
		name   string
		convID string
		body   PostMessageRequest
		want   int
	}{
		{"empty text", conv.ID, PostMessageRequest{Message: "   "}, http.StatusBadRequest},
		{"unknown conversation", uuid.NewString(), PostMessageRequest{Message: "hi"}, http.StatusNotFound},
		{"ai sender rejected", conv.ID, PostMessageRequest{Message: "hi", SenderType: "ai"}, http.StatusBadRequest},
		{"system sender rejected", conv.ID, PostMessageRequest{Message: "hi", SenderType: "system"}, http.StatusBadRequest},
		{"admin without id", conv.ID, PostMessageRequest{Message: "hi", SenderType: "admin"}, http.StatusBadRequest},
		{"customer with id", conv.ID, PostMessageRequest{Message: "hi", SenderID: "x"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tg.do(t, http.MethodPost, "/api/conversations/"+tt.convID+"/messages", tt.body, "")
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
		})
	}

	assert.Empty(t, tg.history(t, conv.ID))
}

func TestPostMessage_IdempotentRetry(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-retry")

	post := func() string {
		req := PostMessageRequest{Message: "only once", ClientMessageID: "client-1"}
		resp, body := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", req, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		var out MessageEnvelope
		require.NoError(t, json.Unmarshal(body, &out))
		return out.Message.ID
	}

	first := post()
	second := post()
	assert.Equal(t, first, second)
	assert.Len(t, tg.history(t, conv.ID), 1)
}

func TestHistory_AfterLimitAndRender(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-history")

	var createdAts []string
	for _, text := range []string{"**first**", "second", "third"} {
		resp, body := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
			PostMessageRequest{Message: text}, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		var out MessageEnvelope
		require.NoError(t, json.Unmarshal(body, &out))
		createdAts = append(createdAts, out.Message.CreatedAt)
	}

	resp, body := tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?render=html&limit=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page HistoryResponse
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "**first**", page.Messages[0].Text)
	assert.Contains(t, page.Messages[0].HTML, "<strong>first</strong>")

	resp, body = tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?after="+createdAts[0], nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "second", page.Messages[0].Text)
	assert.Empty(t, page.Messages[0].HTML)
}

func TestHistory_BadQuery(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-bad-query")

	resp, _ := tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?after=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=-3", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations/"+uuid.NewString()+"/messages", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory_DoesNotRenderRawHTML(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-xss")

	resp, _ := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		PostMessageRequest{Message: "<script>alert(1)</script>"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?render=html", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page HistoryResponse
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 1)
	assert.NotContains(t, page.Messages[0].HTML, "<script>")
}

func TestJoinAndCloseConversation_AnonymousAdmin(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-claim")
	base := "/api/conversations/" + conv.ID

	resp, _ := tg.do(t, http.MethodPost, base+"/join", AdminActionRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := tg.do(t, http.MethodPost, base+"/join", AdminActionRequest{AdminID: "admin-1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var joined ConversationResponse
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, "active", joined.Status)
	assert.Equal(t, "admin-1", joined.AssignedAdmin)

	resp, body = tg.do(t, http.MethodPost, base+"/messages",
		PostMessageRequest{Message: "Hi, I'm here", SenderType: "admin", SenderID: "admin-1"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = tg.do(t, http.MethodPost, base+"/close", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var closed ConversationResponse
	require.NoError(t, json.Unmarshal(body, &closed))
	assert.Equal(t, "closed", closed.Status)

	resp, _ = tg.do(t, http.MethodPost, base+"/messages", PostMessageRequest{Message: "hello?"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodPost, base+"/join", AdminActionRequest{AdminID: "admin-2"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodPost, "/api/conversations/"+uuid.NewString()+"/close", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	tg := newTestGateway(t, nil)
	older := tg.startSession(t, "sess-older")
	newer := tg.startSession(t, "sess-newer")

	// a message moves the older conversation to the top
	time.Sleep(5 * time.Millisecond)
	resp, _ := tg.do(t, http.MethodPost, "/api/conversations/"+older.ID+"/messages", PostMessageRequest{Message: "bump"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := tg.do(t, http.MethodGet, "/api/conversations?limit=10", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ConversationListResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Conversations, 2)
	assert.Equal(t, older.ID, out.Conversations[0].ID)
	assert.Equal(t, newer.ID, out.Conversations[1].ID)

	resp, body = tg.do(t, http.MethodGet, "/api/conversations/"+newer.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one ConversationResponse
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "sess-newer", one.SessionID)
}

func createAdmin(t *testing.T, tg *testGateway, username, password string) *store.AdminUser {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	admin := &store.AdminUser{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		DisplayName:  "Dana Support",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, tg.gw.store.CreateAdminUser(context.Background(), admin))
	return admin
}

func login(t *testing.T, tg *testGateway, username, password string) string {
	t.Helper()
	resp, body := tg.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Username: username, Password: password}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out LoginResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func withAuth(cfg *config.Config) {
	cfg.Auth.JWTSecret = testJWTSecret
}

func TestAdminEndpoints_RequireTokenWhenAuthEnabled(t *testing.T) {
	tg := newTestGateway(t, withAuth)
	admin := createAdmin(t, tg, "dana", "correct horse")
	conv := tg.startSession(t, "sess-auth")

	resp, _ := tg.do(t, http.MethodGet, "/api/conversations", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Username: "dana", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := login(t, tg, "dana", "correct horse")

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations", nil, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the body's admin_id is ignored in favour of the token subject
	resp, body := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/join", AdminActionRequest{AdminID: "spoofed"}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var joined ConversationResponse
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, admin.ID, joined.AssignedAdmin)
}

func TestAdminPost_UsesTokenIdentity(t *testing.T) {
	tg := newTestGateway(t, withAuth)
	admin := createAdmin(t, tg, "dana", "correct horse")
	conv := tg.startSession(t, "sess-admin-post")
	path := "/api/conversations/" + conv.ID + "/messages"

	resp, _ := tg.do(t, http.MethodPost, path, PostMessageRequest{Message: "hi", SenderType: "admin", SenderID: "spoofed"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := login(t, tg, "dana", "correct horse")
	resp, body := tg.do(t, http.MethodPost, path, PostMessageRequest{Message: "hi", SenderType: "admin", SenderID: "spoofed"}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out MessageEnvelope
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, admin.ID, out.Message.SenderID)
	assert.Equal(t, "Dana Support", out.Message.SenderName)

	// customers still post without a token
	resp, _ = tg.do(t, http.MethodPost, path, PostMessageRequest{Message: "thanks"}, "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestLogin_DisabledWithoutSecret(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, _ := tg.do(t, http.MethodPost, "/api/admin/login", LoginRequest{Username: "a", Password: "b"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostMessage_AIReply(t *testing.T) {
	responder := fakeResponder(t, "Your order ships tomorrow.")
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Responder.URL = responder.URL
	})
	conv := tg.startSession(t, "sess-ai")

	resp, _ := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", PostMessageRequest{Message: "Where is my order?"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(tg.history(t, conv.ID)) == 2
	}, 3*time.Second, 20*time.Millisecond)

	msgs := tg.history(t, conv.ID)
	assert.Equal(t, "customer", msgs[0].SenderType)
	assert.Equal(t, "ai", msgs[1].SenderType)
	assert.Equal(t, "Your order ships tomorrow.", msgs[1].Text)
}

func TestPostMessage_ResponderDownStoresOnlyCustomerMessage(t *testing.T) {
	responder := fakeResponder(t, "unused")
	url := responder.URL
	responder.Close()

	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Responder.URL = url
		cfg.Responder.Timeout = 200 * time.Millisecond
	})
	conv := tg.startSession(t, "sess-ai-down")

	resp, _ := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", PostMessageRequest{Message: "hello"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// wait for the worker pool to finish the reply task
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.gw.Shutdown(ctx))

	reopened, err := store.NewSQLiteStore(tg.gw.config.Database.Path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.ListMessages(context.Background(), store.ListMessagesParams{ConversationID: conv.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderCustomer, msgs[0].SenderType)
}

func TestAuditLog_RecordsAdminActions(t *testing.T) {
	tg := newTestGateway(t, withAuth)
	admin := createAdmin(t, tg, "dana", "correct horse")
	conv := tg.startSession(t, "sess-audit")
	token := login(t, tg, "dana", "correct horse")
	base := "/api/conversations/" + conv.ID

	resp, _ := tg.do(t, http.MethodPost, base+"/join", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = tg.do(t, http.MethodPost, base+"/close", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/admin/audit", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := tg.do(t, http.MethodGet, "/api/admin/audit?conversation_id="+conv.ID, nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out AuditListResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "close_conversation", out.Entries[0].Action)
	assert.Equal(t, admin.ID, out.Entries[0].ActorAdminID)
	assert.Equal(t, "claim_conversation", out.Entries[1].Action)
	assert.Equal(t, "active", out.Entries[1].Detail["to"])

	resp, body = tg.do(t, http.MethodGet, "/api/admin/audit?action=admin_login", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out = AuditListResponse{}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, admin.ID, out.Entries[0].ActorAdminID)
	assert.Empty(t, out.Entries[0].ConversationID)
}

func TestAuditLog_BadQuery(t *testing.T) {
	tg := newTestGateway(t, nil)

	for _, q := range []string{"?action=approve_principal", "?since=yesterday", "?limit=0"} {
		resp, _ := tg.do(t, http.MethodGet, "/api/admin/audit"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}
