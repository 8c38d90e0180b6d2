// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// pragmas in the DSN apply to every pooled connection, not just the first
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are stored as unix microseconds so ordering survives round trips.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS admin_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL UNIQUE,
			customer_name  TEXT,
			assigned_admin TEXT,
			status         TEXT NOT NULL DEFAULT 'waiting',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,

			CHECK (status IN ('waiting', 'active', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			sender_type     TEXT NOT NULL,
			sender_id       TEXT,
			text            TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (sender_type IN ('customer', 'admin', 'ai', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id        TEXT PRIMARY KEY,
			actor_admin_id  TEXT,
			action          TEXT NOT NULL,
			conversation_id TEXT,
			ts              INTEGER NOT NULL,
			detail_json     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_conversation
			ON audit_log(conversation_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'assigned_admin'`,
			apply:  `ALTER TABLE conversations ADD COLUMN assigned_admin TEXT`,
			column: "assigned_admin",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const conversationColumns = `id, session_id, customer_name, assigned_admin, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var customerName, assigned sql.NullString
	var status string
	var createdAt, updatedAt int64

	if err := row.Scan(&conv.ID, &conv.SessionID, &customerName, &assigned, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	conv.CustomerName = customerName.String
	conv.AssignedAdmin = assigned.String
	conv.Status = ConversationStatus(status)
	conv.CreatedAt = fromMicros(createdAt)
	conv.UpdatedAt = fromMicros(updatedAt)
	return &conv, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateSession if the session already owns a conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = StatusWaiting
	}
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.SessionID,
		nullString(conv.CustomerName),
		nullString(conv.AssignedAdmin),
		string(conv.Status),
		toMicros(conv.CreatedAt),
		toMicros(conv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "session_id") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySession retrieves the conversation owned by a session
func (s *SQLiteStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE session_id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by session: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations, most recently active first.
// If limit is <= 0, all conversations are returned.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return convs, nil
}

// TouchConversation advances updated_at to at. It never moves backwards.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		toMicros(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return requireAffected(result)
}

// UpdateConversationAssignment sets the assigned admin and status, advancing updated_at.
func (s *SQLiteStore) UpdateConversationAssignment(ctx context.Context, id, adminID string, status ConversationStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET assigned_admin = COALESCE(?, assigned_admin), status = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ?
	`, nullString(adminID), string(status), toMicros(at), id)
	if err != nil {
		return fmt.Errorf("updating conversation assignment: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and advances the parent conversation's
// updated_at in the same transaction. Returns ErrNotFound if the conversation
// does not exist; nothing is written in that case.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// the UPDATE takes the write lock, so the latest message read below is final
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		toMicros(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&last); err != nil {
		return fmt.Errorf("reading latest message time: %w", err)
	}
	var lastAt time.Time
	if last.Valid {
		lastAt = fromMicros(last.Int64)
	}
	createdAt := nextCreatedAt(msg.CreatedAt, lastAt)
	if !createdAt.Equal(msg.CreatedAt) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
			toMicros(createdAt), msg.ConversationID); err != nil {
			return fmt.Errorf("touching conversation: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, sender_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.SenderType), nullString(msg.SenderID), msg.Text, toMicros(createdAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_type, m.sender_id, a.display_name, m.text, m.created_at
	FROM messages m
	LEFT JOIN admin_users a ON a.id = m.sender_id
`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var senderType string
	var senderID, senderName sql.NullString
	var createdAt int64

	if err := row.Scan(&msg.ID, &msg.ConversationID, &senderType, &senderID, &senderName, &msg.Text, &createdAt); err != nil {
		return nil, err
	}

	msg.SenderType = SenderType(senderType)
	msg.SenderID = senderID.String
	msg.SenderName = senderName.String
	msg.CreatedAt = fromMicros(createdAt)
	return &msg, nil
}

// GetMessage retrieves a single message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in creation order.
// Messages at or before params.After are skipped.
func (s *SQLiteStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	query := messageSelect + ` WHERE m.conversation_id = ?`
	args := []any{params.ConversationID}

	if !params.After.IsZero() {
		query += ` AND m.created_at > ?`
		args = append(args, toMicros(params.After))
	}
	query += ` ORDER BY m.created_at ASC, m.seq ASC`
	if params.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return msgs, nil
}

// Compile-time interface check
var _ Backend = (*SQLiteStore)(nil)
