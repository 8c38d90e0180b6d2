// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Same contract as SQLiteStore for deployments that share one database across instances

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes we translate into sentinel errors.
const (
	pgUniqueViolation = "23505"
)

// PostgresStore implements Store and AdminStore on a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// normalizeDSN converts SQLAlchemy-style driver suffixes to a pgx-compatible DSN.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS admin_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL UNIQUE,
			customer_name  TEXT,
			assigned_admin TEXT,
			status         TEXT NOT NULL DEFAULT 'waiting'
				CHECK (status IN ('waiting', 'active', 'closed')),
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			seq             BIGSERIAL PRIMARY KEY,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_type     TEXT NOT NULL
				CHECK (sender_type IN ('customer', 'admin', 'ai', 'system')),
			sender_id       TEXT,
			text            TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq             BIGSERIAL PRIMARY KEY,
			audit_id        TEXT NOT NULL UNIQUE,
			actor_admin_id  TEXT,
			action          TEXT NOT NULL,
			conversation_id TEXT,
			ts              TIMESTAMPTZ NOT NULL,
			detail          JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_conversation
			ON audit_log(conversation_id, ts);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	var customerName, assigned *string
	var status string

	if err := row.Scan(&conv.ID, &conv.SessionID, &customerName, &assigned, &status, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if customerName != nil {
		conv.CustomerName = *customerName
	}
	if assigned != nil {
		conv.AssignedAdmin = *assigned
	}
	conv.Status = ConversationStatus(status)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return &conv, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateConversation inserts a new conversation
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = StatusWaiting
	}
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conv.ID, conv.SessionID, optional(conv.CustomerName), optional(conv.AssignedAdmin),
		string(conv.Status), conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySession retrieves the conversation owned by a session
func (s *PostgresStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by session: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations, most recently active first
func (s *PostgresStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
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
func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationAssignment sets the assigned admin and status, advancing updated_at.
func (s *PostgresStore) UpdateConversationAssignment(ctx context.Context, id, adminID string, status ConversationStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET assigned_admin = COALESCE($1, assigned_admin), status = $2, updated_at = GREATEST(updated_at, $3)
		WHERE id = $4
	`, optional(adminID), string(status), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating conversation assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and touches its conversation in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// the UPDATE locks the conversation row, so the latest message read below is final
	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`,
		msg.CreatedAt.UTC(), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = $1`,
		msg.ConversationID).Scan(&last); err != nil {
		return fmt.Errorf("reading latest message time: %w", err)
	}
	var lastAt time.Time
	if last != nil {
		lastAt = *last
	}
	createdAt := nextCreatedAt(msg.CreatedAt, lastAt)
	if !createdAt.Equal(msg.CreatedAt) {
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`,
			createdAt, msg.ConversationID); err != nil {
			return fmt.Errorf("touching conversation: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.ConversationID, string(msg.SenderType), optional(msg.SenderID), msg.Text, createdAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}

func scanPgMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var senderType string
	var senderID, senderName *string

	if err := row.Scan(&msg.ID, &msg.ConversationID, &senderType, &senderID, &senderName, &msg.Text, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.SenderType = SenderType(senderType)
	if senderID != nil {
		msg.SenderID = *senderID
	}
	if senderName != nil {
		msg.SenderName = *senderName
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

// GetMessage retrieves a single message by ID
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in creation order
func (s *PostgresStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	query := messageSelect + ` WHERE m.conversation_id = $1`
	args := []any{params.ConversationID}

	if !params.After.IsZero() {
		args = append(args, params.After.UTC())
		query += fmt.Sprintf(` AND m.created_at > $%d`, len(args))
	}
	query += ` ORDER BY m.created_at ASC, m.seq ASC`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
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

func scanPgAdminUser(row pgx.Row) (*AdminUser, error) {
	var user AdminUser
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// CreateAdminUser creates a new admin user
func (s *PostgresStore) CreateAdminUser(ctx context.Context, user *AdminUser) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO admin_users (`+adminColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.PasswordHash, user.DisplayName, user.CreatedAt.UTC())
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting admin user: %w", err)
	}
	s.logger.Info("created admin user", "id", user.ID, "username", user.Username)
	return nil
}

// GetAdminUser retrieves an admin user by ID
func (s *PostgresStore) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	user, err := scanPgAdminUser(s.pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admin_users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdminUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user: %w", err)
	}
	return user, nil
}

// GetAdminUserByUsername retrieves an admin user by username
func (s *PostgresStore) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	user, err := scanPgAdminUser(s.pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admin_users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdminUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user by username: %w", err)
	}
	return user, nil
}

// UpdateAdminUserPassword updates an admin user's password hash
func (s *PostgresStore) UpdateAdminUserPassword(ctx context.Context, id, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE admin_users SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating admin user password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAdminUserNotFound
	}
	return nil
}

// ListAdminUsers returns all admin users, oldest first
func (s *PostgresStore) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+adminColumns+` FROM admin_users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying admin users: %w", err)
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		user, err := scanPgAdminUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning admin user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin users: %w", err)
	}
	return users, nil
}

// CountAdminUsers returns the number of admin users
func (s *PostgresStore) CountAdminUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admin users: %w", err)
	}
	return count, nil
}

// AppendAuditLog appends a new entry to the audit log.
func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detail []byte
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detail = data
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (audit_id, actor_admin_id, action, conversation_id, ts, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, optional(e.ActorAdminID), string(e.Action), optional(e.ConversationID), e.Timestamp.UTC(), detail)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *PostgresStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since *time.Time
	if !f.Since.IsZero() {
		t := f.Since.UTC()
		since = &t
	}

	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, actor_admin_id, action, conversation_id, ts, detail
		FROM audit_log
		WHERE ($1::text IS NULL OR conversation_id = $1)
		  AND ($2::text IS NULL OR actor_admin_id = $2)
		  AND ($3::text IS NULL OR action = $3)
		  AND ($4::timestamptz IS NULL OR ts >= $4)
		ORDER BY ts DESC, seq DESC
		LIMIT $5
	`, optional(f.ConversationID), optional(f.ActorAdminID), optional(string(f.Action)), since, normalizeAuditLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actor, conversationID *string
		var action string
		var detail []byte
		if err := rows.Scan(&e.ID, &actor, &action, &conversationID, &e.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if actor != nil {
			e.ActorAdminID = *actor
		}
		if conversationID != nil {
			e.ConversationID = *conversationID
		}
		e.Action = AuditAction(action)
		e.Timestamp = e.Timestamp.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

var _ Backend = (*PostgresStore)(nil)
