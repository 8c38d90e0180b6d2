// ABOUTME: Websocket transport: one connection per browser tab with per-topic subscriptions
// ABOUTME: Buffered writer goroutine with pings; slow clients are disconnected

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/metrics"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxFrameBytes  = 64 << 10
	wsSendBufferSize = 128
)

// Client frame types.
const (
	frameStartChat         = "start-chat"
	frameSendMessage       = "send-message"
	frameJoinConversation  = "join-conversation"
	frameWatchConversation = "watch-conversation"
	frameLeaveConversation = "leave-conversation"
	frameWatchAdmin        = "watch-admin"
)

// Server frame types that are not relay events.
const (
	frameChatStarted = "chat-started"
	frameError       = "error"
)

// clientFrame is any frame a client sends. Fields are used per type.
type clientFrame struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id,omitempty"`
	CustomerName    string `json:"customer_name,omitempty"`
	ConversationID  string `json:"conversation_id,omitempty"`
	Message         string `json:"message,omitempty"`
	SenderType      string `json:"sender_type,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	AdminID         string `json:"admin_id,omitempty"`
}

type chatStartedFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Created        bool                  `json:"created"`
	Conversation   *ConversationResponse `json:"conversation"`
}

type errorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
}

var errConnClosed = errors.New("connection closed")

// wsErrorCode maps an error onto the code carried in error frames.
func wsErrorCode(err error) (string, string) {
	status, msg := errorStatus(err)
	switch status {
	case http.StatusBadRequest:
		return "validation", msg
	case http.StatusUnauthorized:
		return "unauthorized", msg
	case http.StatusNotFound:
		return "not_found", msg
	case http.StatusConflict:
		return "conflict", msg
	case http.StatusServiceUnavailable:
		return "store_unavailable", msg
	default:
		return "internal", msg
	}
}

// wsConn is one upgraded websocket connection.
type wsConn struct {
	id    string
	gw    *Gateway
	ws    *websocket.Conn
	admin *auth.AuthContext // nil for customers and anonymous admins

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*wsSubscription // by topic
}

type wsSubscription struct {
	id     string
	cancel context.CancelFunc
}

func newWSConn(ctx context.Context, gw *Gateway, ws *websocket.Conn, admin *auth.AuthContext) *wsConn {
	ctx, cancel := context.WithCancel(ctx)
	return &wsConn{
		id:     uuid.NewString(),
		gw:     gw,
		ws:     ws,
		admin:  admin,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, wsSendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]*wsSubscription),
	}
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The request context ends when this handler returns; the connection
	// lives until the client leaves or the gateway shuts down.
	conn := newWSConn(context.WithoutCancel(r.Context()), g, ws, auth.FromContext(r.Context()))
	if !g.trackConn(conn) {
		conn.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrackConn(conn)

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	g.logger.Debug("websocket connected", "conn_id", conn.id, "admin", conn.admin != nil)
	go conn.writeLoop()
	conn.readLoop()
	conn.close(websocket.CloseNormalClosure, "")
	g.logger.Debug("websocket disconnected", "conn_id", conn.id)
}

// trackConn registers conn so Shutdown can close it. Returns false once the
// gateway is shutting down.
func (g *Gateway) trackConn(c *wsConn) bool {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	if g.wsClosed {
		return false
	}
	g.wsConns[c] = struct{}{}
	return true
}

func (g *Gateway) untrackConn(c *wsConn) {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	delete(g.wsConns, c)
}

// closeWebSockets disconnects every client. Hijacked connections are not
// covered by http.Server.Shutdown.
func (g *Gateway) closeWebSockets() {
	g.wsMu.Lock()
	g.wsClosed = true
	conns := make([]*wsConn, 0, len(g.wsConns))
	for c := range g.wsConns {
		conns = append(conns, c)
	}
	g.wsMu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// close ends the connection and every subscription it holds.
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = c.ws.Close()
	})
}

// sendFrame queues v for the writer. A full buffer disconnects the client.
func (c *wsConn) sendFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.gw.logger.Warn("websocket send buffer full, disconnecting", "conn_id", c.id)
		go c.close(websocket.CloseGoingAway, "send buffer full")
		return errConnClosed
	}
}

func (c *wsConn) sendError(requestType string, err error) {
	code, msg := wsErrorCode(err)
	if code == "internal" {
		c.gw.logger.Error("websocket request failed", "conn_id", c.id, "type", requestType, "error", err)
	}
	_ = c.sendFrame(errorFrame{Type: frameError, Code: code, Message: msg, RequestType: requestType})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (c *wsConn) readLoop() {
	c.ws.SetReadLimit(wsMaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.sendFrame(errorFrame{Type: frameError, Code: "bad_request", Message: "invalid JSON frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *wsConn) handleFrame(f clientFrame) {
	switch f.Type {
	case frameStartChat:
		c.startChat(f)
	case frameSendMessage:
		c.sendMessage(f)
	case frameJoinConversation:
		c.joinConversation(f)
	case frameWatchConversation:
		if err := c.watchConversation(f.ConversationID); err != nil {
			c.sendError(f.Type, err)
		}
	case frameLeaveConversation:
		c.unsubscribe(conversation.ConversationTopic(f.ConversationID))
	case frameWatchAdmin:
		c.watchAdmin(f)
	default:
		_ = c.sendFrame(errorFrame{
			Type:        frameError,
			Code:        "bad_request",
			Message:     fmt.Sprintf("unknown frame type %q", f.Type),
			RequestType: f.Type,
		})
	}
}

// subscribe registers events and forwards them to the client. It is a no-op
// when the connection already holds topic.
func (c *wsConn) subscribe(topic string, subscribe func(ctx context.Context) (<-chan *conversation.Event, string, error)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	events, subID, err := subscribe(ctx)
	if err != nil {
		cancel()
		return false, err
	}
	c.subs[topic] = &wsSubscription{id: subID, cancel: cancel}

	go func() {
		for ev := range events {
			if err := c.sendFrame(toEventFrame(ev)); err != nil {
				cancel()
				return
			}
		}
	}()
	return true, nil
}

func (c *wsConn) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// subscriptionID returns this connection's subscriber id on topic, if any.
func (c *wsConn) subscriptionID(topic string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[topic]; ok {
		return sub.id
	}
	return ""
}

func (c *wsConn) watchConversation(conversationID string) error {
	_, err := c.subscribe(conversation.ConversationTopic(conversationID), func(ctx context.Context) (<-chan *conversation.Event, string, error) {
		return c.gw.relay.Subscribe(ctx, conversationID)
	})
	return err
}

func (c *wsConn) startChat(f clientFrame) {
	conv, created, err := c.gw.router.ResolveConversation(c.ctx, conversation.ResolveRequest{
		SessionID:    f.SessionID,
		CustomerName: f.CustomerName,
		OriginSubID:  c.subscriptionID(conversation.AdminTopic),
	})
	if err != nil {
		c.sendError(f.Type, err)
		return
	}

	if err := c.watchConversation(conv.ID); err != nil {
		c.sendError(f.Type, err)
		return
	}

	_ = c.sendFrame(chatStartedFrame{
		Type:           frameChatStarted,
		ConversationID: conv.ID,
		Created:        created,
		Conversation:   toConversationResponse(conv),
	})
}

func (c *wsConn) sendMessage(f clientFrame) {
	ctx := c.ctx
	if c.admin != nil {
		ctx = auth.WithAuth(ctx, c.admin)
	}
	senderType, senderID, err := c.gw.senderFor(ctx, f.SenderType, f.SenderID)
	if err != nil {
		c.sendError(f.Type, err)
		return
	}

	// The write completes even if the client disconnects mid-post.
	_, err = c.gw.relay.PostMessage(context.WithoutCancel(c.ctx), conversation.PostRequest{
		ConversationID:  f.ConversationID,
		SenderType:      senderType,
		SenderID:        senderID,
		Text:            f.Message,
		ClientMessageID: f.ClientMessageID,
	})
	if err != nil {
		c.sendError(f.Type, err)
	}
}

// adminID returns the acting admin, or errUnauthorized when auth is on and
// the connection carried no valid token.
func (c *wsConn) adminID(f clientFrame) (string, error) {
	if c.admin != nil {
		return c.admin.AdminID, nil
	}
	if c.gw.authEnabled() {
		return "", errUnauthorized
	}
	return f.AdminID, nil
}

func (c *wsConn) joinConversation(f clientFrame) {
	adminID, err := c.adminID(f)
	if err != nil {
		c.sendError(f.Type, err)
		return
	}

	// Subscribe first so the claim's own conversation-updated event arrives.
	topic := conversation.ConversationTopic(f.ConversationID)
	added, err := c.subscribe(topic, func(ctx context.Context) (<-chan *conversation.Event, string, error) {
		return c.gw.relay.Subscribe(ctx, f.ConversationID)
	})
	if err != nil {
		c.sendError(f.Type, err)
		return
	}

	if _, err := c.gw.relay.JoinConversation(c.ctx, f.ConversationID, adminID); err != nil {
		if added {
			c.unsubscribe(topic)
		}
		c.sendError(f.Type, err)
	}
}

func (c *wsConn) watchAdmin(f clientFrame) {
	if _, err := c.adminID(f); err != nil {
		c.sendError(f.Type, err)
		return
	}
	_, _ = c.subscribe(conversation.AdminTopic, func(ctx context.Context) (<-chan *conversation.Event, string, error) {
		events, subID := c.gw.relay.SubscribeAdmin(ctx)
		return events, subID, nil
	})
}
