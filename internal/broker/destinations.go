// ABOUTME: Destination naming helpers for conversation topics and per-user queues
// ABOUTME: Also parses destinations back into conversation or user ids for authorization

package broker

import "strings"

const (
	chatTopicPrefix = "/topic/chat/"
	userQueuePrefix = "/user/"
)

// ChatStatusTopic is where status changes for a conversation are published.
func ChatStatusTopic(conversationID string) string {
	return chatTopicPrefix + conversationID + "/status"
}

// ChatMessagesTopic is where new messages for a conversation are published.
func ChatMessagesTopic(conversationID string) string {
	return chatTopicPrefix + conversationID + "/messages"
}

// UserStatusQueue is a user's personal conversation-status queue.
func UserStatusQueue(userID string) string {
	return userQueuePrefix + userID + "/queue/conversation-status"
}

// UserMessagesQueue is a user's personal message queue.
func UserMessagesQueue(userID string) string {
	return userQueuePrefix + userID + "/queue/messages"
}

// UserNotificationsQueue is a user's personal notification queue.
func UserNotificationsQueue(userID string) string {
	return userQueuePrefix + userID + "/queue/notifications"
}

// ChatTopicConversation returns the conversation id of a /topic/chat/{id}/...
// destination.
func ChatTopicConversation(destination string) (string, bool) {
	return firstSegment(destination, chatTopicPrefix)
}

// UserQueueOwner returns the user id of a /user/{id}/... destination.
func UserQueueOwner(destination string) (string, bool) {
	return firstSegment(destination, userQueuePrefix)
}

func firstSegment(destination, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(destination, prefix)
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return "", false
	}
	return id, true
}
