// ABOUTME: Admin user type and SQLite store methods
// ABOUTME: Admins claim conversations and author admin messages; passwords are bcrypt hashes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAdminUserNotFound is returned when an admin user doesn't exist.
// It matches ErrNotFound under errors.Is.
var ErrAdminUserNotFound = fmt.Errorf("admin user %w", ErrNotFound)

// ErrUsernameExists is returned when trying to create a user with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// AdminUser is a support agent who can claim conversations and answer customers.
type AdminUser struct {
	ID           string
	Username     string
	PasswordHash string // bcrypt hash
	DisplayName  string
	CreatedAt    time.Time
}

// AdminStore defines the interface for admin-related persistence.
type AdminStore interface {
	CreateAdminUser(ctx context.Context, user *AdminUser) error
	GetAdminUser(ctx context.Context, id string) (*AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error)
	UpdateAdminUserPassword(ctx context.Context, id, passwordHash string) error
	ListAdminUsers(ctx context.Context) ([]*AdminUser, error)
	CountAdminUsers(ctx context.Context) (int, error)
}

// Ensure SQLiteStore implements AdminStore.
var _ AdminStore = (*SQLiteStore)(nil)

const adminColumns = `id, username, password_hash, display_name, created_at`

func scanAdminUser(row rowScanner) (*AdminUser, error) {
	var user AdminUser
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &createdAt); err != nil {
		return nil, err
	}
	user.CreatedAt = fromMicros(createdAt)
	return &user, nil
}

// CreateAdminUser creates a new admin user.
func (s *SQLiteStore) CreateAdminUser(ctx context.Context, user *AdminUser) error {
	query := `INSERT INTO admin_users (` + adminColumns + `) VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.DisplayName,
		toMicros(user.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting admin user: %w", err)
	}

	s.logger.Info("created admin user", "id", user.ID, "username", user.Username)
	return nil
}

// GetAdminUser retrieves an admin user by ID.
func (s *SQLiteStore) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	user, err := scanAdminUser(s.db.QueryRowContext(ctx,
		`SELECT `+adminColumns+` FROM admin_users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdminUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user: %w", err)
	}
	return user, nil
}

// GetAdminUserByUsername retrieves an admin user by username.
func (s *SQLiteStore) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	user, err := scanAdminUser(s.db.QueryRowContext(ctx,
		`SELECT `+adminColumns+` FROM admin_users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdminUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user by username: %w", err)
	}
	return user, nil
}

// UpdateAdminUserPassword updates an admin user's password hash.
func (s *SQLiteStore) UpdateAdminUserPassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE admin_users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("updating admin user password: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAdminUserNotFound
	}

	s.logger.Info("updated admin user password", "id", id)
	return nil
}

// ListAdminUsers returns all admin users, oldest first.
func (s *SQLiteStore) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+adminColumns+` FROM admin_users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying admin users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*AdminUser
	for rows.Next() {
		user, err := scanAdminUser(rows)
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

// CountAdminUsers returns the number of admin users.
func (s *SQLiteStore) CountAdminUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admin_users").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting admin users: %w", err)
	}
	return count, nil
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}
