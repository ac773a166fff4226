// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation persistence with canonical pairs and a partial unique index on open chats

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and every multi-statement
	// mutation below runs in a transaction on it.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id                       TEXT PRIMARY KEY,
			display_name             TEXT NOT NULL,
			suspended                INTEGER NOT NULL DEFAULT 0,
			admin                    INTEGER NOT NULL DEFAULT 0,
			plan                     TEXT NOT NULL DEFAULT 'free',
			max_active_conversations INTEGER NOT NULL DEFAULT 3,
			created_at               TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			status        TEXT NOT NULL,
			paused_by     TEXT,
			paused_at     TEXT,
			closed_at     TEXT,
			last_active   TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			CHECK (participant_a < participant_b),
			CHECK (status IN ('active', 'paused', 'closed', 'auto-closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_pair
			ON conversations(participant_a, participant_b)
			WHERE status IN ('active', 'paused');

		CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a, last_active);
		CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b, last_active);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id),
			seq              INTEGER NOT NULL,
			sender           TEXT NOT NULL,
			text             TEXT NOT NULL,
			attachments_json TEXT,
			created_at       TEXT NOT NULL,

			UNIQUE(conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			type            TEXT NOT NULL,
			conversation_id TEXT,
			actor_id        TEXT,
			body            TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			read_at         TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const conversationColumns = `id, participant_a, participant_b, status, paused_by, paused_at, closed_at, last_active, created_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                            Conversation
		status                       string
		pausedBy, pausedAt, closedAt sql.NullString
		lastActive, createdAt        string
	)
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &status,
		&pausedBy, &pausedAt, &closedAt, &lastActive, &createdAt); err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)

	var err error
	if c.LastActive, err = parseTime(lastActive); err != nil {
		return nil, fmt.Errorf("parsing last_active: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if pausedBy.Valid {
		v := pausedBy.String
		c.PausedBy = &v
	}
	if pausedAt.Valid {
		t, err := parseTime(pausedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing paused_at: %w", err)
		}
		c.PausedAt = &t
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		c.ClosedAt = &t
	}
	return &c, nil
}

// CreateConversation inserts a new active conversation for the normalized pair.
// Returns ErrDuplicateConversation if an active or paused one already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.createConversation(ctx, userA, userB, nil)
}

// CreateConversationWithinQuota inserts a new conversation only if the
// requester has a free active slot at insert time.
func (s *SQLiteStore) CreateConversationWithinQuota(ctx context.Context, requesterID, otherID string, maxActive int) (*Conversation, error) {
	return s.createConversation(ctx, requesterID, otherID, &slotLimit{userID: requesterID, max: maxActive})
}

// slotLimit caps the active conversations one user may hold.
type slotLimit struct {
	userID string
	max    int
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const activeCountQuery = `SELECT COUNT(*) FROM conversations
	WHERE status = 'active' AND (participant_a = ? OR participant_b = ?)`

// checkSlot returns *QuotaError when the user already holds limit.max active
// conversations. Callers run it inside the transaction that activates one.
func checkSlot(ctx context.Context, q querier, limit *slotLimit) error {
	var active int
	if err := q.QueryRowContext(ctx, activeCountQuery, limit.userID, limit.userID).Scan(&active); err != nil {
		return fmt.Errorf("counting active conversations: %w", err)
	}
	if active >= limit.max {
		return &QuotaError{UserID: limit.userID, Current: active, Max: limit.max}
	}
	return nil
}

func (s *SQLiteStore) createConversation(ctx context.Context, userA, userB string, limit *slotLimit) (*Conversation, error) {
	pair, err := NormalizePair(userA, userB)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if limit != nil {
		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversations
			WHERE participant_a = ? AND participant_b = ? AND status IN ('active', 'paused')
		`, pair[0], pair[1]).Scan(&open); err != nil {
			return nil, fmt.Errorf("checking open conversation: %w", err)
		}
		if open > 0 {
			return nil, ErrDuplicateConversation
		}
		if err := checkSlot(ctx, tx, limit); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	conv := &Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
		Status:       StatusActive,
		LastActive:   now,
		CreatedAt:    now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, status, last_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, pair[0], pair[1], string(conv.Status), formatTime(now), formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateConversation
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateConversation
		}
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", pair)
	return conv, nil
}

// GetConversation retrieves a conversation with its full message history.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Messages, err = s.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FindByPair returns the conversation for the pair regardless of status.
// An open conversation wins over closed ones; otherwise the most recent is returned.
func (s *SQLiteStore) FindByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.findByPair(ctx, userA, userB, false)
}

// FindOpenByPair returns the active or paused conversation for the pair.
func (s *SQLiteStore) FindOpenByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.findByPair(ctx, userA, userB, true)
}

func (s *SQLiteStore) findByPair(ctx context.Context, userA, userB string, openOnly bool) (*Conversation, error) {
	pair, err := NormalizePair(userA, userB)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE participant_a = ? AND participant_b = ?`
	if openOnly {
		query += ` AND status IN ('active', 'paused')`
	}
	query += ` ORDER BY (status IN ('active', 'paused')) DESC, last_active DESC LIMIT 1`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, pair[0], pair[1]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return conv, nil
}

// AppendMessage atomically appends a message and bumps last_active.
// Returns ErrNotFound for unknown conversations and *StatusConflictError when
// the conversation is not active.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []Attachment) (*Message, error) {
	var attachmentsJSON any
	if len(attachments) > 0 {
		data, err := json.Marshal(attachments)
		if err != nil {
			return nil, fmt.Errorf("encoding attachments: %w", err)
		}
		attachmentsJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation status: %w", err)
	}
	if ConversationStatus(status) != StatusActive {
		return nil, &StatusConflictError{Status: ConversationStatus(status)}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("computing message sequence: %w", err)
	}

	now := s.now().UTC()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Seq:            seq,
		Sender:         senderID,
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, seq, sender, text, attachments_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, seq, senderID, text, attachmentsJSON, formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_active = ? WHERE id = ?`,
		formatTime(now), conversationID); err != nil {
		return nil, fmt.Errorf("updating last_active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "conversation_id", conversationID, "seq", seq, "sender", senderID)
	return msg, nil
}

// GetMessages returns all messages of a conversation in append order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, sender, text, attachments_json, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg             Message
			attachmentsJSON sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Sender, &msg.Text,
			&attachmentsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if attachmentsJSON.Valid && attachmentsJSON.String != "" {
			if err := json.Unmarshal([]byte(attachmentsJSON.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments: %w", err)
			}
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SetStatus transitions a conversation and stamps the matching actor/time fields.
// Pause records paused_by/paused_at, resume clears them, close sets closed_at.
// Terminal conversations cannot leave their status (ErrTerminal).
func (s *SQLiteStore) SetStatus(ctx context.Context, conversationID string, status ConversationStatus, actorID string, at time.Time) (*Conversation, bool, error) {
	return s.setStatus(ctx, conversationID, status, actorID, at, nil)
}

// ResumeWithinQuota reactivates a paused conversation if the requester has a
// free active slot when the update runs.
func (s *SQLiteStore) ResumeWithinQuota(ctx context.Context, conversationID, requesterID string, maxActive int, at time.Time) (*Conversation, bool, error) {
	return s.setStatus(ctx, conversationID, StatusActive, requesterID, at, &slotLimit{userID: requesterID, max: maxActive})
}

func (s *SQLiteStore) setStatus(ctx context.Context, conversationID string, status ConversationStatus, actorID string, at time.Time, limit *slotLimit) (*Conversation, bool, error) {
	if !status.Valid() {
		return nil, false, fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying conversation: %w", err)
	}

	if conv.Status == status {
		return conv, false, nil
	}
	if conv.Status.IsTerminal() {
		return conv, false, ErrTerminal
	}
	if limit != nil && status == StatusActive {
		if err := checkSlot(ctx, tx, limit); err != nil {
			return conv, false, err
		}
	}

	applyStatus(conv, status, actorID, at.UTC())

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, paused_by = ?, paused_at = ?, closed_at = ?, last_active = ?
		WHERE id = ?
	`, string(conv.Status), nullPtr(conv.PausedBy), nullTime(conv.PausedAt), nullTime(conv.ClosedAt),
		formatTime(conv.LastActive), conv.ID)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, false, ErrDuplicateConversation
		}
		return nil, false, fmt.Errorf("updating status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing status: %w", err)
	}

	s.logger.Debug("conversation status changed", "id", conv.ID, "status", status, "actor", actorID)
	return conv, true, nil
}

// applyStatus mutates conv in memory for a transition to status.
func applyStatus(conv *Conversation, status ConversationStatus, actorID string, at time.Time) {
	conv.Status = status
	conv.LastActive = at
	switch status {
	case StatusPaused:
		actor := actorID
		conv.PausedBy = &actor
		conv.PausedAt = &at
	case StatusActive:
		conv.PausedBy = nil
		conv.PausedAt = nil
	case StatusClosed, StatusAutoClosed:
		conv.ClosedAt = &at
	}
}

func nullPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// ListForUser returns every conversation the user participates in, newest activity first.
// Messages are not loaded.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_active DESC, id ASC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}
