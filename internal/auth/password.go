// ABOUTME: bcrypt password hashing for admin users
// ABOUTME: Comparisons against unknown users still pay the bcrypt cost

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted by HashPassword.
const MinPasswordLength = 8

// ErrInvalidCredentials is returned for any failed login, whatever the cause.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrPasswordTooShort is returned by HashPassword.
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// dummyHash keeps the timing of a login for an unknown user close to a real one.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports ErrInvalidCredentials unless password matches hash.
// An empty hash never matches.
func CheckPassword(hash, password string) error {
	if hash == "" {
		burnCompare(password)
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func burnCompare(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
