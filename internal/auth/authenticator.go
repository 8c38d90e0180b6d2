// ABOUTME: Admin login and token authentication against the admin user store
// ABOUTME: Shared by the HTTP middleware and the websocket handshake

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/concierge/internal/store"
)

// DefaultTokenTTL is used when an Authenticator is built with a zero TTL.
const DefaultTokenTTL = 12 * time.Hour

// AdminLookup is the slice of the store the authenticator reads.
type AdminLookup interface {
	GetAdminUser(ctx context.Context, id string) (*store.AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (*store.AdminUser, error)
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Admin     *store.AdminUser
}

// Authenticator logs admins in and resolves tokens back to admins.
type Authenticator struct {
	admins   AdminLookup
	verifier *JWTVerifier
	ttl      time.Duration
}

// NewAuthenticator wires an authenticator.
func NewAuthenticator(admins AdminLookup, verifier *JWTVerifier, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{admins: admins, verifier: verifier, ttl: ttl}
}

// Login checks a username and password and issues a token.
// Unknown users and wrong passwords both return ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := a.admins.GetAdminUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			burnCompare(password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up admin: %w", err)
	}

	if err := CheckPassword(user.PasswordHash, password); err != nil {
		return nil, err
	}

	token, expiresAt, err := a.verifier.Generate(user.ID, a.ttl)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Admin: user}, nil
}

// Authenticate verifies a token and loads the admin it names.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	adminID, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := a.admins.GetAdminUser(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: admin no longer exists", ErrInvalidToken)
		}
		return nil, fmt.Errorf("looking up admin: %w", err)
	}
	return &AuthContext{
		AdminID:     user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	}, nil
}
