// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same pair and status invariants

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID, Messages kept separately
	messages      map[string][]*Message    // keyed by conversation ID
	users         map[string]*User
	notifications []*Notification
	messageErrs   map[string]error // injected GetMessages failures
	now           func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		users:         make(map[string]*User),
		messageErrs:   make(map[string]error),
		now:           time.Now,
	}
}

// FailMessagesFor makes GetMessages return err for the given conversation.
func (m *MockStore) FailMessagesFor(conversationID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageErrs[conversationID] = err
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Messages = nil
	if c.PausedBy != nil {
		v := *c.PausedBy
		cp.PausedBy = &v
	}
	if c.PausedAt != nil {
		v := *c.PausedAt
		cp.PausedAt = &v
	}
	if c.ClosedAt != nil {
		v := *c.ClosedAt
		cp.ClosedAt = &v
	}
	return &cp
}

func copyMessages(in []*Message) []*Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]*Message, len(in))
	for i, msg := range in {
		cp := *msg
		cp.Attachments = append([]Attachment(nil), msg.Attachments...)
		out[i] = &cp
	}
	return out
}

// openForPairLocked returns the open conversation for an already-normalized pair.
func (m *MockStore) openForPairLocked(pair [2]string) *Conversation {
	for _, c := range m.conversations {
		if c.Participants == pair && c.Status.IsOpen() {
			return c
		}
	}
	return nil
}

// activeCountLocked counts the user's active conversations.
func (m *MockStore) activeCountLocked(userID string) int {
	n := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive && c.HasParticipant(userID) {
			n++
		}
	}
	return n
}

func (m *MockStore) checkSlotLocked(limit *slotLimit) error {
	if active := m.activeCountLocked(limit.userID); active >= limit.max {
		return &QuotaError{UserID: limit.userID, Current: active, Max: limit.max}
	}
	return nil
}

// CreateConversation stores a new active conversation.
func (m *MockStore) CreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	return m.createConversation(userA, userB, nil)
}

// CreateConversationWithinQuota stores a new conversation if the requester has a free slot.
func (m *MockStore) CreateConversationWithinQuota(ctx context.Context, requesterID, otherID string, maxActive int) (*Conversation, error) {
	return m.createConversation(requesterID, otherID, &slotLimit{userID: requesterID, max: maxActive})
}

func (m *MockStore) createConversation(userA, userB string, limit *slotLimit) (*Conversation, error) {
	pair, err := NormalizePair(userA, userB)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openForPairLocked(pair) != nil {
		return nil, ErrDuplicateConversation
	}
	if limit != nil {
		if err := m.checkSlotLocked(limit); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	conv := &Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
		Status:       StatusActive,
		LastActive:   now,
		CreatedAt:    now,
	}
	m.conversations[conv.ID] = conv
	return copyConversation(conv), nil
}

// GetConversation retrieves a conversation with its messages.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyConversation(conv)
	out.Messages = copyMessages(m.messages[id])
	return out, nil
}

// FindByPair returns the pair's conversation, preferring an open one.
func (m *MockStore) FindByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	return m.findByPair(userA, userB, false)
}

// FindOpenByPair returns the pair's active or paused conversation.
func (m *MockStore) FindOpenByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	return m.findByPair(userA, userB, true)
}

func (m *MockStore) findByPair(userA, userB string, openOnly bool) (*Conversation, error) {
	pair, err := NormalizePair(userA, userB)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if open := m.openForPairLocked(pair); open != nil {
		return copyConversation(open), nil
	}
	if openOnly {
		return nil, ErrNotFound
	}

	var latest *Conversation
	for _, c := range m.conversations {
		if c.Participants != pair {
			continue
		}
		if latest == nil || c.LastActive.After(latest.LastActive) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyConversation(latest), nil
}

// AppendMessage appends a message to an active conversation.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []Attachment) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.Status != StatusActive {
		return nil, &StatusConflictError{Status: conv.Status}
	}

	now := m.now().UTC()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Seq:            int64(len(m.messages[conversationID]) + 1),
		Sender:         senderID,
		Text:           text,
		Attachments:    append([]Attachment(nil), attachments...),
		CreatedAt:      now,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	conv.LastActive = now

	cp := *msg
	return &cp, nil
}

// GetMessages returns a conversation's messages in append order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.messageErrs[conversationID]; err != nil {
		return nil, err
	}
	return copyMessages(m.messages[conversationID]), nil
}

// SetStatus transitions a conversation's status.
func (m *MockStore) SetStatus(ctx context.Context, conversationID string, status ConversationStatus, actorID string, at time.Time) (*Conversation, bool, error) {
	return m.setStatus(conversationID, status, actorID, at, nil)
}

// ResumeWithinQuota reactivates a paused conversation if the requester has a free slot.
func (m *MockStore) ResumeWithinQuota(ctx context.Context, conversationID, requesterID string, maxActive int, at time.Time) (*Conversation, bool, error) {
	return m.setStatus(conversationID, StatusActive, requesterID, at, &slotLimit{userID: requesterID, max: maxActive})
}

func (m *MockStore) setStatus(conversationID string, status ConversationStatus, actorID string, at time.Time, limit *slotLimit) (*Conversation, bool, error) {
	if !status.Valid() {
		return nil, false, errors.New("invalid status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if conv.Status == status {
		return copyConversation(conv), false, nil
	}
	if conv.Status.IsTerminal() {
		return copyConversation(conv), false, ErrTerminal
	}
	if status.IsOpen() && !conv.Status.IsOpen() {
		if other := m.openForPairLocked(conv.Participants); other != nil && other.ID != conv.ID {
			return nil, false, ErrDuplicateConversation
		}
	}
	if limit != nil && status == StatusActive {
		if err := m.checkSlotLocked(limit); err != nil {
			return copyConversation(conv), false, err
		}
	}

	applyStatus(conv, status, actorID, at.UTC())
	return copyConversation(conv), true, nil
}

// ListForUser returns the user's conversations, newest activity first.
func (m *MockStore) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.After(out[j].LastActive)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetUser returns a user with a derived active conversation count.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.ActiveConversations = m.activeCountLocked(id)
	return &cp, nil
}

// UpsertUser stores a user.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	if !ValidUserID(user.ID) {
		return ErrInvalidUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *user
	if cp.MaxActiveConversations <= 0 {
		cp.MaxActiveConversations = DefaultMaxActiveConversations
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	m.users[cp.ID] = &cp
	return nil
}

// SaveNotification records a notification.
func (m *MockStore) SaveNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (m *MockStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].UserID == userID {
			cp := *m.notifications[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Ping always succeeds for MockStore.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
