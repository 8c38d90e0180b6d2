// ABOUTME: Tests for SessionRouter
// ABOUTME: Verifies idempotent resolution, creation announcements and duplicate-race recovery

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/store"
)

func TestRouter_ResolveCreatesWaitingConversation(t *testing.T) {
	f := newFixture(t, createTestStore(t))

	conv, created, err := f.router.ResolveConversation(context.Background(), ResolveRequest{
		SessionID:    "sess-1",
		CustomerName: "  Dana  ",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "sess-1", conv.SessionID)
	assert.Equal(t, "Dana", conv.CustomerName)
	assert.Equal(t, store.StatusWaiting, conv.Status)
	assert.Empty(t, conv.AssignedAdmin)
	assert.False(t, conv.UpdatedAt.Before(conv.CreatedAt))
}

func TestRouter_ResolveIsIdempotent(t *testing.T) {
	f := newFixture(t, createTestStore(t))
	ctx := context.Background()

	first, created, err := f.router.ResolveConversation(ctx, ResolveRequest{SessionID: "sess-1", CustomerName: "Dana"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.router.ResolveConversation(ctx, ResolveRequest{SessionID: "sess-1", CustomerName: "Someone else"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Dana", second.CustomerName, "existing conversation is returned unchanged")
}

func TestRouter_EmptySessionRejected(t *testing.T) {
	f := newFixture(t, store.NewMockStore())

	_, _, err := f.router.ResolveConversation(context.Background(), ResolveRequest{SessionID: "   "})
	assert.ErrorIs(t, err, ErrEmptySession)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRouter_AnnouncesNewChatToAdmins(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	admins, _ := f.hub.Subscribe(t.Context(), AdminTopic)

	conv := f.start(t, "sess-announce")

	ev := nextEvent(t, admins)
	assert.Equal(t, EventNewChat, ev.Type)
	assert.Equal(t, conv.ID, ev.ConversationID)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, "sess-announce", ev.Conversation.SessionID)

	// resolving again announces nothing
	f.start(t, "sess-announce")
	assertNoEvent(t, admins)
}

func TestRouter_OriginSubscriberExcluded(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	origin, originID := f.hub.Subscribe(t.Context(), AdminTopic)
	other, _ := f.hub.Subscribe(t.Context(), AdminTopic)

	_, _, err := f.router.ResolveConversation(context.Background(), ResolveRequest{
		SessionID:   "sess-x",
		OriginSubID: originID,
	})
	require.NoError(t, err)

	nextEvent(t, other)
	assertNoEvent(t, origin)
}

func TestRouter_StoreFailureIsUnavailable(t *testing.T) {
	s := store.NewMockStore()
	s.FailOn("GetConversationBySession", errors.New("connection refused"))
	f := newFixture(t, s)

	_, _, err := f.router.ResolveConversation(context.Background(), ResolveRequest{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, s.Calls("CreateConversation"))
}

// racingStore reports the session as absent once, then loses the insert race.
type racingStore struct {
	*store.MockStore
	once sync.Once
}

func (r *racingStore) GetConversationBySession(ctx context.Context, sessionID string) (*store.Conversation, error) {
	var miss bool
	r.once.Do(func() { miss = true })
	if miss {
		// a concurrent start creates it between our lookup and insert
		_ = r.MockStore.CreateConversation(ctx, &store.Conversation{ID: "winner", SessionID: sessionID})
		return nil, store.ErrNotFound
	}
	return r.MockStore.GetConversationBySession(ctx, sessionID)
}

func TestRouter_DuplicateRaceReturnsWinner(t *testing.T) {
	rs := &racingStore{MockStore: store.NewMockStore()}
	router := NewSessionRouter(rs, nil, nil, nil)

	conv, created, err := router.ResolveConversation(context.Background(), ResolveRequest{SessionID: "sess-race"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", conv.ID)
}

func TestRouter_ConcurrentResolveYieldsOneConversation(t *testing.T) {
	f := newFixture(t, createTestStore(t))

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := f.router.ResolveConversation(context.Background(), ResolveRequest{SessionID: "sess-shared"})
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}
