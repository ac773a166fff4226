// ABOUTME: SQLite persistence for per-user notifications
// ABOUTME: Written by the notification sink, read back newest first

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveNotification persists a notification.
func (s *SQLiteStore) SaveNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, conversation_id, actor_id, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Type, nullString(n.ConversationID), nullString(n.ActorID), n.Body,
		formatTime(n.CreatedAt), nullTime(n.ReadAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, conversation_id, actor_id, body, created_at, read_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var (
			n                       Notification
			conversationID, actorID sql.NullString
			createdAt               string
			readAt                  sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &conversationID, &actorID, &n.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.ConversationID = conversationID.String
		n.ActorID = actorID.String
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if readAt.Valid {
			t, err := parseTime(readAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing read_at: %w", err)
			}
			n.ReadAt = &t
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}
