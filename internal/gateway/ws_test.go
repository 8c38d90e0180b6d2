// ABOUTME: Tests for the websocket transport, including the full customer/AI/admin flow
// ABOUTME: Dials the gateway with gorilla/websocket against an httptest server

package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/conversation"
)

func TestWebSocket_EndToEndScenario(t *testing.T) {
	responder := fakeResponder(t, "Hi! An agent will be with you shortly.")
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Responder.URL = responder.URL
	})

	admin := tg.dialWS(t, "")
	require.NoError(t, admin.WriteJSON(map[string]string{"type": "watch-admin"}))
	require.Eventually(t, func() bool {
		return tg.gw.broadcaster.SubscriberCount(conversation.AdminTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	customer := tg.dialWS(t, "")
	require.NoError(t, customer.WriteJSON(map[string]string{
		"type":          "start-chat",
		"session_id":    "browser-session-1",
		"customer_name": "Ana",
	}))
	started := readFrame(t, customer, "chat-started")
	assert.Equal(t, true, started["created"])
	convID, _ := started["conversation_id"].(string)
	require.NotEmpty(t, convID)

	newChat := readFrame(t, admin, "new-chat")
	assert.Equal(t, convID, newChat["conversation_id"])

	require.NoError(t, customer.WriteJSON(map[string]string{
		"type":            "send-message",
		"conversation_id": convID,
		"message":         "My package never arrived",
	}))
	own := readMessageFrom(t, customer, "customer")
	assert.Equal(t, "My package never arrived", own["text"])
	ai := readMessageFrom(t, customer, "ai")
	assert.Equal(t, "Hi! An agent will be with you shortly.", ai["text"])

	require.NoError(t, admin.WriteJSON(map[string]string{
		"type":            "join-conversation",
		"conversation_id": convID,
		"admin_id":        "admin-7",
	}))
	updated := readFrame(t, customer, "conversation-updated")
	conv, ok := updated["conversation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "active", conv["status"])
	assert.Equal(t, "admin-7", conv["assigned_admin"])

	require.NoError(t, admin.WriteJSON(map[string]string{
		"type":            "send-message",
		"conversation_id": convID,
		"message":         "Let me check that for you.",
		"sender_type":     "admin",
		"sender_id":       "admin-7",
	}))
	reply := readMessageFrom(t, customer, "admin")
	assert.Equal(t, "Let me check that for you.", reply["text"])
	assert.Equal(t, "admin-7", reply["sender_id"])

	msgs := tg.history(t, convID)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"customer", "ai", "admin"},
		[]string{msgs[0].SenderType, msgs[1].SenderType, msgs[2].SenderType})
}

func TestWebSocket_StartChatIsIdempotent(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t, "")

	start := map[string]string{"type": "start-chat", "session_id": "same-session"}
	require.NoError(t, conn.WriteJSON(start))
	first := readFrame(t, conn, "chat-started")
	require.NoError(t, conn.WriteJSON(start))
	second := readFrame(t, conn, "chat-started")

	assert.Equal(t, first["conversation_id"], second["conversation_id"])
	assert.Equal(t, true, first["created"])
	assert.Equal(t, false, second["created"])
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t, "")

	tests := []struct {
		name  string
		frame map[string]string
		code  string
	}{
		{"unknown type", map[string]string{"type": "dance"}, "bad_request"},
		{"empty session", map[string]string{"type": "start-chat"}, "validation"},
		{"unknown conversation", map[string]string{"type": "send-message", "conversation_id": uuid.NewString(), "message": "hi"}, "not_found"},
		{"watch unknown", map[string]string{"type": "watch-conversation", "conversation_id": uuid.NewString()}, "not_found"},
		{"ai sender", map[string]string{"type": "send-message", "conversation_id": uuid.NewString(), "message": "hi", "sender_type": "ai"}, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.frame))
			frame := readFrame(t, conn, "error")
			assert.Equal(t, tt.code, frame["code"])
			assert.Equal(t, tt.frame["type"], frame["request_type"])
		})
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn, "error")
	assert.Equal(t, "bad_request", frame["code"])
}

func TestWebSocket_AdminActionsNeedTokenWhenAuthEnabled(t *testing.T) {
	tg := newTestGateway(t, withAuth)
	admin := createAdmin(t, tg, "dana", "correct horse")
	conv := tg.startSession(t, "sess-ws-auth")

	anon := tg.dialWS(t, "")
	require.NoError(t, anon.WriteJSON(map[string]string{"type": "watch-admin"}))
	assert.Equal(t, "unauthorized", readFrame(t, anon, "error")["code"])
	require.NoError(t, anon.WriteJSON(map[string]string{
		"type": "join-conversation", "conversation_id": conv.ID, "admin_id": "spoofed",
	}))
	assert.Equal(t, "unauthorized", readFrame(t, anon, "error")["code"])

	token := login(t, tg, "dana", "correct horse")
	authed := tg.dialWS(t, token)
	require.NoError(t, authed.WriteJSON(map[string]string{
		"type": "join-conversation", "conversation_id": conv.ID,
	}))
	updated := readFrame(t, authed, "conversation-updated")
	c, ok := updated["conversation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, admin.ID, c["assigned_admin"])
}

func TestWebSocket_LeaveConversationStopsEvents(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-leave")
	conn := tg.dialWS(t, "")
	topic := conversation.ConversationTopic(conv.ID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "watch-conversation", "conversation_id": conv.ID}))
	require.Eventually(t, func() bool {
		return tg.gw.broadcaster.SubscriberCount(topic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "leave-conversation", "conversation_id": conv.ID}))
	require.Eventually(t, func() bool {
		return tg.gw.broadcaster.SubscriberCount(topic) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_DisconnectRemovesSubscriptions(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn := tg.dialWS(t, "")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "start-chat", "session_id": "sess-disconnect"}))
	started := readFrame(t, conn, "chat-started")
	topic := conversation.ConversationTopic(started["conversation_id"].(string))
	assert.Equal(t, 1, tg.gw.broadcaster.SubscriberCount(topic))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return tg.gw.broadcaster.SubscriberCount(topic) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://shop.example.com"}
	})
	url := "ws" + tg.srv.URL[len("http"):] + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://shop.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
