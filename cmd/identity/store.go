package identity

import (
	"context"
	"time"
)

// User is ripple's canonical account record.
//
// PasswordChangedAt is epoch milliseconds (0 = never changed since
// registration). Access credentials issued before it are treated as revoked
// by the sensitive-mode verifier.
type User struct {
	ID           string
	Email        string
	EmailNorm    string
	Username     string
	UsernameNorm string
	DisplayName  string

	PasswordHash      string
	PasswordChangedAt int64

	CreatedAt time.Time
}

// CreateUserInput describes a registration. All fields are already
// validated and the password already hashed by the caller.
type CreateUserInput struct {
	ID           string
	Email        string
	Username     string
	DisplayName  string
	PasswordHash string
	Now          time.Time
}

// Store is the account persistence boundary.
//
// Uniqueness is enforced on normalized email and username; violations
// surface as ConflictError with Field "email" or "username".
type Store interface {
	Create(ctx context.Context, in CreateUserInput) (User, error)
	ByID(ctx context.Context, id string) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)
	ByUsername(ctx context.Context, username string) (User, error)

	// SetPassword swaps the stored hash and bumps PasswordChangedAt
	// (epoch millis). The caller decides the timestamp so that it can be
	// compared against credential issuedAt under a single clock.
	SetPassword(ctx context.Context, id, passwordHash string, changedAtMillis int64) error

	Delete(ctx context.Context, id string) error
}
