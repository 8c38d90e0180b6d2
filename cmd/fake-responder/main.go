// ABOUTME: Minimal keyword-matching AI responder for local development and E2E runs
// ABOUTME: Usage: fake-responder [-addr :5000] [-path /chat] [-delay 0s]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type chatResponse struct {
	Response  *string `json:"response"`
	ErrorType string  `json:"error_type,omitempty"`
}

type rule struct {
	keywords []string
	reply    string
}

var rules = []rule{
	{[]string{"hello", "hi ", "hey"}, "Hello! 😊 How can I help you today?"},
	{[]string{"refund", "return"}, "Refunds are processed within **5 business days** of receiving the item."},
	{[]string{"ship", "deliver", "package", "order"}, "Most orders ship within 24 hours. You can track yours from the *Orders* page."},
	{[]string{"hours", "open", "closed"}, "Our support team is online 9am-6pm, Monday to Friday."},
	{[]string{"human", "agent", "person"}, "I've let the team know. An agent will join this chat shortly."},
}

// answer picks a reply for message. Very short messages ask for more detail.
func answer(message string) chatResponse {
	text := strings.ToLower(strings.TrimSpace(message)) + " "
	if len(strings.TrimSpace(text)) < 3 {
		return chatResponse{ErrorType: "need_more_info"}
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				reply := r.reply
				return chatResponse{Response: &reply}
			}
		}
	}
	fallback := "Thanks for your message. Could you tell me a little more so I can help?"
	return chatResponse{Response: &fallback}
}

func handler(delay time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		resp := answer(req.Message)
		logger.Info("answered", "conversation_id", req.ConversationID, "error_type", resp.ErrorType)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	path := flag.String("path", "/chat", "chat endpoint path")
	delay := flag.Duration("delay", 0, "artificial response delay")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mux := http.NewServeMux()
	mux.Handle(*path, handler(*delay, logger))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake responder listening", "addr", *addr, "path", *path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
