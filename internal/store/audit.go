// ABOUTME: Audit log entity and store methods for tracking admin actions on conversations
// ABOUTME: Records who claimed or closed which conversation, and admin logins

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditClaimConversation AuditAction = "claim_conversation"
	AuditCloseConversation AuditAction = "close_conversation"
	AuditAdminLogin        AuditAction = "admin_login"
)

// Valid reports whether a is a known action.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditClaimConversation, AuditCloseConversation, AuditAdminLogin:
		return true
	}
	return false
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID             string         // UUID v4
	ActorAdminID   string         // empty for anonymous admins
	Action         AuditAction    // what action was performed
	ConversationID string         // empty for actions not tied to a conversation
	Timestamp      time.Time      // when it happened
	Detail         map[string]any // additional context, e.g. from/to status
}

// AuditFilter specifies filtering options for listing audit entries.
// Zero values match everything.
type AuditFilter struct {
	ConversationID string
	ActorAdminID   string
	Action         AuditAction
	Since          time.Time
	Limit          int // default 100, max 1000
}

// AuditStore persists the admin audit trail.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Ensure SQLiteStore implements AuditStore.
var _ AuditStore = (*SQLiteStore)(nil)

// prepareAuditEntry fills ID and Timestamp when unset.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func marshalDetail(detail map[string]any) (sql.NullString, error) {
	if detail == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling audit detail: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	detail, err := marshalDetail(e.Detail)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_admin_id, action, conversation_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.ActorAdminID), string(e.Action), nullString(e.ConversationID), toMicros(e.Timestamp), detail)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorAdminID,
		"action", e.Action,
		"conversation_id", e.ConversationID,
	)
	return nil
}

const auditLogQuery = `
	SELECT audit_id, actor_admin_id, action, conversation_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR conversation_id = ?)
	  AND (? IS NULL OR actor_admin_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(row rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var actor, conversationID, detail sql.NullString
	var action string
	var ts int64

	if err := row.Scan(&e.ID, &actor, &action, &conversationID, &ts, &detail); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.ActorAdminID = actor.String
	e.Action = AuditAction(action)
	e.ConversationID = conversationID.String
	e.Timestamp = fromMicros(ts)

	if detail.Valid {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	conversationID := nullString(f.ConversationID)
	actor := nullString(f.ActorAdminID)
	action := nullString(string(f.Action))
	var since sql.NullInt64
	if !f.Since.IsZero() {
		since = sql.NullInt64{Int64: toMicros(f.Since), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		conversationID, conversationID,
		actor, actor,
		action, action,
		since, since,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
