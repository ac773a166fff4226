// ABOUTME: Best-effort side effects run after a conversation change has been stored
// ABOUTME: Publishes and notifications funnel through one helper that logs and never fails

package conversation

import (
	"context"

	"github.com/2389/fireside-gateway/internal/broker"
	"github.com/2389/fireside-gateway/internal/metrics"
	"github.com/2389/fireside-gateway/internal/store"
)

// Side-effect kinds, used for logs and metrics.
const (
	sideEffectPublish = "publish"
	sideEffectNotify  = "notify"
)

// dispatch runs fn as a best-effort side effect. A failure is logged and
// counted; the caller's operation has already succeeded and is unaffected.
func (s *Service) dispatch(kind string, fn func() error, attrs ...any) {
	err := fn()
	if err == nil {
		return
	}
	metrics.RecordSideEffectFailure(kind)
	s.logger.Warn("best-effort "+kind+" failed", append(attrs, "error", err)...)
}

func (s *Service) publish(destination string, payload any) {
	s.dispatch(sideEffectPublish, func() error {
		return s.publisher.Publish(destination, payload)
	}, "destination", destination)
}

// notify emits n without letting a cancelled request context abort the write.
func (s *Service) notify(ctx context.Context, n *store.Notification) {
	ctx = context.WithoutCancel(ctx)
	s.dispatch(sideEffectNotify, func() error {
		return s.notifier.Notify(ctx, n)
	}, "user_id", n.UserID, "type", n.Type, "conversation_id", n.ConversationID)
}

// publishStatus announces a conversation's current status on its topic and on
// each participant's personal status queue.
func (s *Service) publishStatus(c *store.Conversation, actorID string) {
	event := newStatusEvent(c, actorID)
	s.publish(broker.ChatStatusTopic(c.ID), event)
	for _, p := range c.Participants {
		s.publish(broker.UserStatusQueue(p), event)
	}
}

// publishMessage delivers a new message on the conversation topic and on
// each participant's personal message queue.
func (s *Service) publishMessage(c *store.Conversation, msg MessageView) {
	s.publish(broker.ChatMessagesTopic(c.ID), msg)
	for _, p := range c.Participants {
		s.publish(broker.UserMessagesQueue(p), msg)
	}
}

// notifyOthers sends one notification to every participant except actorID.
func (s *Service) notifyOthers(ctx context.Context, c *store.Conversation, actorID, typ, body string) {
	for _, p := range c.Participants {
		if p == actorID {
			continue
		}
		s.notify(ctx, &store.Notification{
			UserID:         p,
			Type:           typ,
			ConversationID: c.ID,
			ActorID:        actorID,
			Body:           body,
		})
	}
}
