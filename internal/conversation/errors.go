// ABOUTME: Typed errors returned by the conversation service
// ABOUTME: Each type maps to one HTTP status and carries the fields clients render

package conversation

import (
	"fmt"

	"github.com/2389/fireside-gateway/internal/store"
)

// ValidationError reports bad input, such as empty message text.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError reports a missing user or conversation.
type NotFoundError struct {
	Kind string // "user" or "conversation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Kind)
}

// ForbiddenError reports an action the requester is not allowed to take.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	return e.Message
}

// ConflictError reports an action incompatible with the conversation's
// current status.
type ConflictError struct {
	Status  store.ConversationStatus
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("conversation is %s", e.Status)
}

// QuotaExceededError reports that a user has no free active-conversation slot.
type QuotaExceededError struct {
	BlockedFor   string
	CurrentCount int
	MaxAllowed   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("active conversation limit reached (%d of %d)", e.CurrentCount, e.MaxAllowed)
}

var errNotParticipant = &ForbiddenError{Message: "not a participant in this conversation"}

func conversationNotFound(id string) error {
	return &NotFoundError{Kind: "conversation", ID: id}
}

func userNotFound(id string) error {
	return &NotFoundError{Kind: "user", ID: id}
}

func quotaExceeded(u *store.User) error {
	return &QuotaExceededError{
		BlockedFor:   u.ID,
		CurrentCount: u.ActiveConversations,
		MaxAllowed:   u.MaxActiveConversations,
	}
}

// slotsFull converts the store's transactional quota failure.
func slotsFull(qe *store.QuotaError) error {
	return &QuotaExceededError{
		BlockedFor:   qe.UserID,
		CurrentCount: qe.Current,
		MaxAllowed:   qe.Max,
	}
}
