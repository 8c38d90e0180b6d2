// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway on a temp SQLite file and serves it with httptest

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/config"
)

const testJWTSecret = "test-secret-that-is-at-least-32-characters"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "concierge.db")
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Responder.ReplyDelay = 0
	cfg.Queue.Workers = 2
	return cfg
}

// newTestGateway starts a gateway with background workers and an httptest
// server. mutate may adjust the config first.
func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := newTestConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	gw.startBackground(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testGateway{gw: gw, srv: srv}
}

// fakeResponder answers every chat request with reply.
func fakeResponder(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": reply})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (tg *testGateway) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tg.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (tg *testGateway) startSession(t *testing.T, sessionID string) *ConversationResponse {
	t.Helper()
	resp, body := tg.do(t, http.MethodPost, "/api/sessions", ResolveSessionRequest{SessionID: sessionID}, "")
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, resp.StatusCode, string(body))
	var out ResolveSessionResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Conversation
}

func (tg *testGateway) history(t *testing.T, conversationID string) []*MessageResponse {
	t.Helper()
	resp, body := tg.do(t, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out HistoryResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Messages
}

type sseEvent struct {
	name string
	data string
}

// readSSE parses events from body onto a channel until the body closes.
func readSSE(body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func nextSSE(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func (tg *testGateway) dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame waits for the next frame of frameType, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", frameType)
		if frame["type"] == frameType {
			return frame
		}
	}
}

// readMessageFrom waits for a new-message frame sent by senderType.
func readMessageFrom(t *testing.T, conn *websocket.Conn, senderType string) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, conn, "new-message")
		msg, ok := frame["message"].(map[string]any)
		require.True(t, ok)
		if msg["sender_type"] == senderType {
			return msg
		}
	}
}
