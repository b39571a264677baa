package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoPassword         = errors.New("no admin password configured")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// MinPasswordLength is enforced by HashPassword
const MinPasswordLength = 8

// Role is the access level of a user
type Role string

// RoleAdmin is the only role issued. Tokens carrying any other role are
// authenticated but rejected by RequireAdmin.
const RoleAdmin Role = "admin"

// User is an authenticated user
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Credentials provides the configured admin account (satisfied by *config.Config)
type Credentials interface {
	AdminUser() string
	AdminPasswordHash() string
}

// PasswordAuth checks logins against the configured admin account
type PasswordAuth struct {
	creds Credentials
}

// NewPasswordAuth creates a password authenticator
func NewPasswordAuth(creds Credentials) *PasswordAuth {
	return &PasswordAuth{creds: creds}
}

// Authenticate verifies username and password
func (p *PasswordAuth) Authenticate(username, password string) (*User, error) {
	hash := p.creds.AdminPasswordHash()
	if hash == "" {
		return nil, ErrNoPassword
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(p.creds.AdminUser())) == 1
	// always run bcrypt so unknown users take as long as wrong passwords
	pwErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if !userOK || pwErr != nil {
		return nil, ErrInvalidCredentials
	}

	return &User{Username: username, Role: RoleAdmin}, nil
}

// HashPassword returns a bcrypt hash for storing in the configuration
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
