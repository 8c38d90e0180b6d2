// ABOUTME: Server-Sent Events streams for one conversation and for the admin presence feed
// ABOUTME: Sends a heartbeat comment so idle proxies keep the connection open

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/concierge/internal/conversation"
)

// sseHeartbeatInterval is how often an idle stream writes a keepalive comment.
const sseHeartbeatInterval = 15 * time.Second

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamEvents copies events to w until the client goes away or the
// subscription closes.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan *conversation.Event, ready any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "ready", ready)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.stopping:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), toEventFrame(ev))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// handleConversationEvents handles GET /api/conversations/{id}/events.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, subID, err := g.relay.Subscribe(r.Context(), id)
	if err != nil {
		g.sendRelayError(w, r, err)
		return
	}

	g.logger.Debug("conversation stream opened", "conversation_id", id, "subscriber_id", subID)
	defer g.logger.Debug("conversation stream closed", "conversation_id", id, "subscriber_id", subID)

	g.streamEvents(w, r, events, map[string]string{"conversation_id": id, "subscriber_id": subID})
}

// handleAdminEvents handles GET /api/admin/events.
func (g *Gateway) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	events, subID := g.relay.SubscribeAdmin(r.Context())

	g.logger.Debug("admin stream opened", "subscriber_id", subID)
	defer g.logger.Debug("admin stream closed", "subscriber_id", subID)

	g.streamEvents(w, r, events, map[string]string{"subscriber_id": subID})
}
