// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, with per-method error injection so callers can exercise outage paths

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Backend implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	sessionIndex  map[string]string        // session ID -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	messageIndex  map[string]*Message      // keyed by message ID
	admins        map[string]*AdminUser
	audit         []AuditEntry
	failures      map[string]error // method name -> injected error; "*" matches all
	calls         map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		sessionIndex:  make(map[string]string),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		admins:        make(map[string]*AdminUser),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

// FailOn makes every later call to method return err. Use "*" for all methods
// and a nil err to clear.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns how many times method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// enter records a call and returns any injected failure. Caller must hold mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	if err, ok := m.failures[method]; ok {
		return err
	}
	return m.failures["*"]
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateConversation"); err != nil {
		return err
	}

	if _, ok := m.sessionIndex[conv.SessionID]; ok {
		return ErrDuplicateSession
	}
	if conv.Status == "" {
		conv.Status = StatusWaiting
	}
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	m.sessionIndex[c.SessionID] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConversation"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationBySession retrieves the conversation for a session.
func (m *MockStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConversationBySession"); err != nil {
		return nil, err
	}

	id, ok := m.sessionIndex[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListConversations"); err != nil {
		return nil, err
	}

	convs := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cc := *c
		convs = append(convs, &cc)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (m *MockStore) touchLocked(id string, at time.Time) error {
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// TouchConversation advances updated_at, never backwards.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TouchConversation"); err != nil {
		return err
	}
	return m.touchLocked(id, at)
}

// UpdateConversationAssignment sets assignment and status.
func (m *MockStore) UpdateConversationAssignment(ctx context.Context, id, adminID string, status ConversationStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateConversationAssignment"); err != nil {
		return err
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if adminID != "" {
		c.AssignedAdmin = adminID
	}
	c.Status = status
	return m.touchLocked(id, at)
}

// AppendMessage stores a message and touches its conversation.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendMessage"); err != nil {
		return err
	}

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}

	var last time.Time
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.CreatedAt.After(last) {
			last = existing.CreatedAt
		}
	}
	msg.CreatedAt = nextCreatedAt(msg.CreatedAt, last)

	cp := *msg
	cp.SenderName = ""
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], &cp)
	m.messageIndex[cp.ID] = &cp
	return m.touchLocked(cp.ConversationID, cp.CreatedAt)
}

func (m *MockStore) withSenderName(msg *Message) *Message {
	result := *msg
	if a, ok := m.admins[msg.SenderID]; ok {
		result.SenderName = a.DisplayName
	}
	return &result
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessage"); err != nil {
		return nil, err
	}

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withSenderName(msg), nil
}

// ListMessages returns a conversation's messages in creation order.
// Insertion order breaks ties, matching the seq column of the SQL stores.
func (m *MockStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}

	all := m.messages[params.ConversationID]
	result := make([]*Message, 0, len(all))
	for _, msg := range all {
		if !params.After.IsZero() && !msg.CreatedAt.After(params.After) {
			continue
		}
		result = append(result, m.withSenderName(msg))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if params.Limit > 0 && len(result) > params.Limit {
		result = result[:params.Limit]
	}
	return result, nil
}

// Ping reports the injected failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// CreateAdminUser stores an admin user.
func (m *MockStore) CreateAdminUser(ctx context.Context, user *AdminUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateAdminUser"); err != nil {
		return err
	}

	for _, a := range m.admins {
		if a.Username == user.Username {
			return ErrUsernameExists
		}
	}
	u := *user
	m.admins[u.ID] = &u
	return nil
}

// GetAdminUser retrieves an admin user by ID.
func (m *MockStore) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAdminUser"); err != nil {
		return nil, err
	}

	a, ok := m.admins[id]
	if !ok {
		return nil, ErrAdminUserNotFound
	}
	result := *a
	return &result, nil
}

// GetAdminUserByUsername retrieves an admin user by username.
func (m *MockStore) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAdminUserByUsername"); err != nil {
		return nil, err
	}

	for _, a := range m.admins {
		if a.Username == username {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrAdminUserNotFound
}

// UpdateAdminUserPassword replaces an admin's password hash.
func (m *MockStore) UpdateAdminUserPassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateAdminUserPassword"); err != nil {
		return err
	}

	a, ok := m.admins[id]
	if !ok {
		return ErrAdminUserNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

// ListAdminUsers returns all admins, oldest first.
func (m *MockStore) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAdminUsers"); err != nil {
		return nil, err
	}

	users := make([]*AdminUser, 0, len(m.admins))
	for _, a := range m.admins {
		u := *a
		users = append(users, &u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

// CountAdminUsers returns the number of admins.
func (m *MockStore) CountAdminUsers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountAdminUsers"); err != nil {
		return 0, err
	}
	return len(m.admins), nil
}

// Ensure MockStore implements Backend.
// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendAuditLog"); err != nil {
		return err
	}
	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAuditLog"); err != nil {
		return nil, err
	}

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.ConversationID != "" && e.ConversationID != f.ConversationID {
			continue
		}
		if f.ActorAdminID != "" && e.ActorAdminID != f.ActorAdminID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ Backend = (*MockStore)(nil)
