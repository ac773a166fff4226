// ABOUTME: SQLite user directory consumed by the conversation core
// ABOUTME: Active conversation counts are derived from the conversations table on read

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DefaultMaxActiveConversations is the slot cap for users without an explicit plan limit
const DefaultMaxActiveConversations = 3

// GetUser retrieves a user with a live count of their active conversations.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT u.id, u.display_name, u.suspended, u.admin, u.plan, u.max_active_conversations, u.created_at,
			(SELECT COUNT(*) FROM conversations c
			 WHERE c.status = 'active' AND (c.participant_a = u.id OR c.participant_b = u.id))
		FROM users u
		WHERE u.id = ?
	`

	var (
		user                User
		suspended, admin    int
		createdAt           string
		activeConversations int
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.DisplayName,
		&suspended,
		&admin,
		&user.Plan,
		&user.MaxActiveConversations,
		&createdAt,
		&activeConversations,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Suspended = suspended != 0
	user.Admin = admin != 0
	user.ActiveConversations = activeConversations
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or replaces a user's directory entry.
// ActiveConversations is ignored; it is always derived.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if !ValidUserID(user.ID) {
		return ErrInvalidUserID
	}
	if user.MaxActiveConversations <= 0 {
		user.MaxActiveConversations = DefaultMaxActiveConversations
	}
	if user.Plan == "" {
		user.Plan = "free"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, suspended, admin, plan, max_active_conversations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			suspended = excluded.suspended,
			admin = excluded.admin,
			plan = excluded.plan,
			max_active_conversations = excluded.max_active_conversations
	`, user.ID, user.DisplayName, boolToInt(user.Suspended), boolToInt(user.Admin), user.Plan,
		user.MaxActiveConversations, formatTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("upserted user", "id", user.ID, "plan", user.Plan)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
