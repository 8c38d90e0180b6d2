// Package store provides persistent storage for conversations, messages and
// admin users.
//
// # Architecture
//
// Two interfaces split the contract:
//
//   - Store: conversations and messages, used by the relay
//   - AdminStore: admin accounts, used by login and the CLI
//   - AuditStore: append-only trail of claims, closes and logins
//
// Backend combines all three. SQLiteStore (default), PostgresStore and MockStore
// each implement Backend.
//
// # Data Models
//
//   - Conversation: one per customer session, status waiting/active/closed
//   - Message: immutable entry with a sender type (customer, admin, ai, system)
//   - AdminUser: support agent with a bcrypt password hash
//   - AuditEntry: who did what to which conversation, with a JSON detail
//
// # Ordering
//
// Messages are returned ordered by (created_at, seq). seq is an
// auto-increment column, so two messages stamped with the same instant keep
// their insertion order. AppendMessage inserts the message and advances the
// conversation's updated_at in a single transaction; updated_at never moves
// backwards.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as unix microseconds.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: the session already owns a conversation
//   - ErrUsernameExists: admin username taken
//
// Any other error means the backend could not serve the request.
//
// # Testing
//
// Use NewMockStore() for unit tests; FailOn injects errors per method.
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for real SQLite.
// Postgres contract tests run when CONCIERGE_TEST_POSTGRES_DSN is set.
package store
