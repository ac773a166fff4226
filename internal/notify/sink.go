// ABOUTME: Notification sink that persists per-user notifications and pushes them live
// ABOUTME: Storage is the durable record; the push to the user's queue is best effort

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fireside-gateway/internal/broker"
	"github.com/2389/fireside-gateway/internal/store"
)

// Publisher delivers a payload to a broker destination.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Payload is the JSON shape pushed to /user/{id}/queue/notifications.
type Payload struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// NewPayload converts a stored notification to its client shape.
func NewPayload(n *store.Notification) Payload {
	return Payload{
		ID:             n.ID,
		Type:           n.Type,
		ConversationID: n.ConversationID,
		ActorID:        n.ActorID,
		Body:           n.Body,
		CreatedAt:      n.CreatedAt,
		Read:           n.ReadAt != nil,
	}
}

// Sink persists notifications and forwards them to connected clients.
type Sink struct {
	store     store.NotificationStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewSink creates a sink. A nil publisher stores without pushing.
func NewSink(s store.NotificationStore, p Publisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:     s,
		publisher: p,
		logger:    logger.With("component", "notify"),
		now:       time.Now,
	}
}

// Notify stores n, assigning an id and timestamp when missing, then pushes it
// to the recipient's notification queue. Only a storage failure is returned.
func (s *Sink) Notify(ctx context.Context, n *store.Notification) error {
	if n.UserID == "" {
		return errors.New("notification has no recipient")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	if err := s.store.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}

	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(broker.UserNotificationsQueue(n.UserID), NewPayload(n)); err != nil {
		s.logger.Warn("notification push failed",
			"user_id", n.UserID,
			"type", n.Type,
			"error", err,
		)
	}
	return nil
}

// List returns a user's most recent notifications.
func (s *Sink) List(ctx context.Context, userID string, limit int) ([]Payload, error) {
	notes, err := s.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]Payload, 0, len(notes))
	for _, n := range notes {
		out = append(out, NewPayload(n))
	}
	return out, nil
}
