// ABOUTME: Tests for the Server-Sent Events conversation and admin streams
// ABOUTME: Reads raw event frames off an httptest server

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
)

func openStream(t *testing.T, tg *testGateway, path string) (<-chan sseEvent, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return readSSE(resp.Body), resp
}

func TestConversationEvents_StreamsNewMessages(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := tg.startSession(t, "sess-sse")

	events, resp := openStream(t, tg, "/api/conversations/"+conv.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ready", nextSSE(t, events).name)

	resp2, _ := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", PostMessageRequest{Message: "ping"}, "")
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	ev := nextSSE(t, events)
	require.Equal(t, "new-message", ev.name)
	var frame EventFrame
	require.NoError(t, json.Unmarshal([]byte(ev.data), &frame))
	assert.Equal(t, conv.ID, frame.ConversationID)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "ping", frame.Message.Text)
}

func TestConversationEvents_UnknownConversation(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, _ := tg.do(t, http.MethodGet, "/api/conversations/"+uuid.NewString()+"/events", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEvents_AnnouncesNewChats(t *testing.T) {
	tg := newTestGateway(t, nil)

	events, resp := openStream(t, tg, "/api/admin/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", nextSSE(t, events).name)

	conv := tg.startSession(t, "sess-presence")

	ev := nextSSE(t, events)
	require.Equal(t, "new-chat", ev.name)
	var frame EventFrame
	require.NoError(t, json.Unmarshal([]byte(ev.data), &frame))
	assert.Equal(t, conv.ID, frame.ConversationID)
	require.NotNil(t, frame.Conversation)
	assert.Equal(t, "waiting", frame.Conversation.Status)
}

func TestAdminEvents_RequiresTokenWhenAuthEnabled(t *testing.T) {
	tg := newTestGateway(t, withAuth)

	resp, _ := tg.do(t, http.MethodGet, "/api/admin/events", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	tg := newTestGateway(t, nil)
	events, _ := openStream(t, tg, "/api/admin/events")
	require.Equal(t, "ready", nextSSE(t, events).name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.gw.Shutdown(ctx))

	// the stream ends instead of holding the connection open
	for range events {
	}
}
