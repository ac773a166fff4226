// ABOUTME: JSON shapes for conversations, messages and events seen by clients
// ABOUTME: Used both for HTTP responses and for payloads published to the broker

package conversation

import (
	"time"

	"github.com/2389/fireside-gateway/internal/store"
)

// UserView is the public identity of a participant.
type UserView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// MessageView is a message as clients see it.
type MessageView struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Seq            int64              `json:"seq"`
	Sender         string             `json:"sender"`
	SenderName     string             `json:"senderName,omitempty"`
	Text           string             `json:"text"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// ConversationView is a full conversation with its message history.
type ConversationView struct {
	ID           string                   `json:"id"`
	Participants []string                 `json:"participants"`
	Status       store.ConversationStatus `json:"status"`
	PausedBy     *string                  `json:"pausedBy"`
	PausedAt     *time.Time               `json:"pausedAt"`
	ClosedAt     *time.Time               `json:"closedAt,omitempty"`
	LastActive   time.Time                `json:"lastActive"`
	CreatedAt    time.Time                `json:"createdAt"`
	Messages     []MessageView            `json:"messages"`
}

// Summary is one inbox row returned by ListConversations. OtherUser and
// LastMessage are nil when they could not be resolved.
type Summary struct {
	ID           string                   `json:"id"`
	Participants []string                 `json:"participants"`
	Status       store.ConversationStatus `json:"status"`
	PausedBy     *string                  `json:"pausedBy"`
	PausedAt     *time.Time               `json:"pausedAt"`
	LastActive   time.Time                `json:"lastActive"`
	OtherUser    *UserView                `json:"otherUser"`
	LastMessage  *MessageView             `json:"lastMessage"`
	UnreadCount  int                      `json:"unreadCount"`
}

// Thread is the message history response for one conversation.
type Thread struct {
	ID           string                   `json:"id"`
	Messages     []MessageView            `json:"messages"`
	Status       store.ConversationStatus `json:"status"`
	PausedBy     *string                  `json:"pausedBy"`
	PausedAt     *time.Time               `json:"pausedAt"`
	Participants []string                 `json:"participants"`
	Name         string                   `json:"name"`
}

// StatusEvent is published whenever a conversation is created or changes status.
type StatusEvent struct {
	ChatID       string                   `json:"chatId"`
	Status       store.ConversationStatus `json:"status"`
	Participants []string                 `json:"participants"`
	ActorID      string                   `json:"actorId"`
	PausedBy     *string                  `json:"pausedBy"`
	PausedAt     *time.Time               `json:"pausedAt"`
	ClosedAt     *time.Time               `json:"closedAt,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

func newMessageView(m *store.Message, senderName string) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		SenderName:     senderName,
		Text:           m.Text,
		Attachments:    m.Attachments,
		Timestamp:      m.CreatedAt,
	}
}

// NewConversationView converts a conversation. names maps user ids to
// display names for message senders and may be nil.
func NewConversationView(c *store.Conversation, names map[string]string) ConversationView {
	return ConversationView{
		ID:           c.ID,
		Participants: c.Participants[:],
		Status:       c.Status,
		PausedBy:     c.PausedBy,
		PausedAt:     c.PausedAt,
		ClosedAt:     c.ClosedAt,
		LastActive:   c.LastActive,
		CreatedAt:    c.CreatedAt,
		Messages:     messageViews(c.Messages, names),
	}
}

func messageViews(msgs []*store.Message, names map[string]string) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m, names[m.Sender]))
	}
	return out
}

func newStatusEvent(c *store.Conversation, actorID string) StatusEvent {
	return StatusEvent{
		ChatID:       c.ID,
		Status:       c.Status,
		Participants: c.Participants[:],
		ActorID:      actorID,
		PausedBy:     c.PausedBy,
		PausedAt:     c.PausedAt,
		ClosedAt:     c.ClosedAt,
		Timestamp:    c.LastActive,
	}
}
