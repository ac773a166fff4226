// ABOUTME: Store interfaces and data types for fireside-gateway persistence
// ABOUTME: Defines Conversation, Message, User, Notification and the participant-pair rules

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when an open conversation already exists for the pair
var ErrDuplicateConversation = errors.New("open conversation already exists for pair")

// ErrInvalidPair is returned when both participant ids are the same or empty
var ErrInvalidPair = errors.New("conversation requires two distinct participants")

// ErrNotActive is the sentinel wrapped by StatusConflictError
var ErrNotActive = errors.New("conversation is not active")

// ErrTerminal is returned when a status change is attempted on a closed conversation
var ErrTerminal = errors.New("conversation is closed")

// ErrQuotaExceeded is wrapped by QuotaError
var ErrQuotaExceeded = errors.New("active conversation limit reached")

// ErrInvalidUserID is returned when a user id is empty or contains a slash
var ErrInvalidUserID = errors.New("user id must be non-empty and must not contain '/'")

// QuotaError reports that a user already holds their maximum number of
// active conversations. Current is the count observed inside the transaction.
type QuotaError struct {
	UserID  string
	Current int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("user %s holds %d of %d active conversations", e.UserID, e.Current, e.Max)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// ValidUserID reports whether id can be used as a user id. Ids end up as
// path segments in broker destinations, so they cannot contain '/'.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}

// StatusConflictError reports that an operation needed an active conversation
// but found it in another status.
type StatusConflictError struct {
	Status ConversationStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("conversation is %s", e.Status)
}

func (e *StatusConflictError) Unwrap() error {
	return ErrNotActive
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive     ConversationStatus = "active"
	StatusPaused     ConversationStatus = "paused"
	StatusClosed     ConversationStatus = "closed"
	StatusAutoClosed ConversationStatus = "auto-closed"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusClosed, StatusAutoClosed:
		return true
	}
	return false
}

// IsOpen reports whether s counts against the one-open-conversation-per-pair rule.
func (s ConversationStatus) IsOpen() bool {
	return s == StatusActive || s == StatusPaused
}

// IsTerminal reports whether s is an end-of-life status.
func (s ConversationStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusAutoClosed
}

// Attachment is an opaque reference to uploaded media carried on a message
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is a single entry in a conversation's append-only log
type Message struct {
	ID             string
	ConversationID string
	Seq            int64 // 1-based, monotonic within a conversation
	Sender         string
	Text           string
	Attachments    []Attachment
	CreatedAt      time.Time
}

// Conversation is a two-party chat between users.
// Participants are always stored in canonical order (see NormalizePair).
type Conversation struct {
	ID           string
	Participants [2]string
	Status       ConversationStatus
	PausedBy     *string
	PausedAt     *time.Time
	ClosedAt     *time.Time
	LastActive   time.Time
	CreatedAt    time.Time

	// Messages is populated by GetConversation; list queries leave it nil.
	Messages []*Message
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// OtherParticipant returns the participant that is not userID.
// Returns an empty string if userID is not a participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// LastMessage returns the newest loaded message, or nil.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// NormalizePair orders two user ids lexicographically so (a,b) and (b,a)
// produce the same stored pair.
func NormalizePair(a, b string) ([2]string, error) {
	if a == "" || b == "" || a == b {
		return [2]string{}, ErrInvalidPair
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// User is the slice of the external user record the chat core consumes.
type User struct {
	ID                     string
	DisplayName            string
	Suspended              bool
	Admin                  bool
	Plan                   string
	ActiveConversations    int // derived: conversations currently active for this user
	MaxActiveConversations int
	CreatedAt              time.Time
}

// HasFreeSlot reports whether the user can hold one more active conversation.
func (u *User) HasFreeSlot() bool {
	return u.ActiveConversations < u.MaxActiveConversations
}

// Notification types
const (
	NotificationConversationStarted = "conversation_started"
	NotificationMessage             = "message"
	NotificationPaused              = "conversation_paused"
	NotificationResumed             = "conversation_resumed"
	NotificationClosed              = "conversation_closed"
)

// Notification is a durable per-user event record
type Notification struct {
	ID             string
	UserID         string
	Type           string
	ConversationID string
	ActorID        string
	Body           string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// ConversationStore persists conversations and their messages
type ConversationStore interface {
	CreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindByPair(ctx context.Context, userA, userB string) (*Conversation, error)
	FindOpenByPair(ctx context.Context, userA, userB string) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []Attachment) (*Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// SetStatus transitions a conversation and reports whether anything changed.
	// Setting the current status again is a no-op (changed == false).
	SetStatus(ctx context.Context, conversationID string, status ConversationStatus, actorID string, at time.Time) (conv *Conversation, changed bool, err error)

	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)

	// CreateConversationWithinQuota is CreateConversation with the requester's
	// slot check done atomically with the insert. An existing open conversation
	// for the pair yields ErrDuplicateConversation before the quota is checked;
	// a full requester yields *QuotaError.
	CreateConversationWithinQuota(ctx context.Context, requesterID, otherID string, maxActive int) (*Conversation, error)

	// ResumeWithinQuota reactivates a paused conversation only while the
	// requester holds fewer than maxActive active conversations, checked in the
	// same transaction as the update. Otherwise it behaves like SetStatus to active.
	ResumeWithinQuota(ctx context.Context, conversationID, requesterID string, maxActive int, at time.Time) (conv *Conversation, changed bool, err error)
}

// UserStore is the local user directory backing the user-lookup collaborator
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	UpsertUser(ctx context.Context, user *User) error
}

// NotificationStore persists notifications for later retrieval
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// Store is the full persistence surface used by the gateway
type Store interface {
	ConversationStore
	UserStore
	NotificationStore

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
