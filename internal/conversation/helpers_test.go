// ABOUTME: Shared fixtures for conversation package tests
// ABOUTME: Real SQLite stores, a recording AI requester and event helpers

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingAI captures hand-offs instead of calling a responder.
type recordingAI struct {
	mu   sync.Mutex
	msgs []*store.Message
	err  error
}

func (a *recordingAI) RequestAIReply(ctx context.Context, msg *store.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	return a.err
}

func (a *recordingAI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type fixture struct {
	store  store.Backend
	hub    *EventBroadcaster
	router *SessionRouter
	relay  *Relay
	ai     *recordingAI
}

func newFixture(t *testing.T, s store.Backend) *fixture {
	t.Helper()
	hub := NewEventBroadcaster(nil)
	t.Cleanup(hub.Close)

	presence := NewPresence(hub, nil)
	clock := NewClock(nil)
	ai := &recordingAI{}
	relay := NewRelay(Deps{
		Store:    s,
		Hub:      hub,
		Presence: presence,
		AI:       ai,
		Audit:    s,
		Clock:    clock,
	})
	t.Cleanup(relay.Close)

	return &fixture{
		store:  s,
		hub:    hub,
		router: NewSessionRouter(s, presence, clock, nil),
		relay:  relay,
		ai:     ai,
	}
}

func (f *fixture) start(t *testing.T, session string) *store.Conversation {
	t.Helper()
	conv, _, err := f.router.ResolveConversation(context.Background(), ResolveRequest{SessionID: session})
	require.NoError(t, err)
	return conv
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// assertNoEvent fails if anything arrives within a short window.
func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
