package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements account persistence over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via
//   identifiers.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "ripple").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "ripple",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `id, email, email_norm, username, username_norm, display_name, password_hash, password_changed_at, created_at`

// Create inserts a new account row.
func (s *PostgresStore) Create(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.Create"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(in.ID) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing id"}
	}
	if strings.TrimSpace(in.Email) == "" || strings.TrimSpace(in.Username) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing email or username"}
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing password hash"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	u := User{
		ID:           in.ID,
		Email:        strings.TrimSpace(in.Email),
		EmailNorm:    NormalizeEmail(in.Email),
		Username:     strings.TrimSpace(in.Username),
		UsernameNorm: NormalizeUsername(in.Username),
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
	}

	users := pgIdent(s.schema, "users")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		u.ID, u.Email, u.EmailNorm, u.Username, u.UsernameNorm, u.DisplayName, u.PasswordHash, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

// ByID fetches a user by primary key.
func (s *PostgresStore) ByID(ctx context.Context, id string) (User, error) {
	return s.one(ctx, "identity.ByID", `id = $1`, strings.TrimSpace(id))
}

// ByEmail fetches a user by normalized email.
func (s *PostgresStore) ByEmail(ctx context.Context, email string) (User, error) {
	return s.one(ctx, "identity.ByEmail", `email_norm = $1`, NormalizeEmail(email))
}

// ByUsername fetches a user by normalized username.
func (s *PostgresStore) ByUsername(ctx context.Context, username string) (User, error) {
	return s.one(ctx, "identity.ByUsername", `username_norm = $1`, NormalizeUsername(username))
}

func (s *PostgresStore) one(ctx context.Context, op, where string, arg any) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if str, ok := arg.(string); ok && str == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty key"}
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE `+where,
		arg,
	).Scan(
		&u.ID, &u.Email, &u.EmailNorm, &u.Username, &u.UsernameNorm,
		&u.DisplayName, &u.PasswordHash, &u.PasswordChangedAt, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// SetPassword swaps the hash and bumps password_changed_at.
func (s *PostgresStore) SetPassword(ctx context.Context, id, passwordHash string, changedAtMillis int64) error {
	const op = "identity.SetPassword"

	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(passwordHash) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing id or hash"}
	}

	users := pgIdent(s.schema, "users")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+users+`
		    SET password_hash = $1,
		        password_changed_at = $2
		  WHERE id = $3`,
		passwordHash, changedAtMillis, id,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// Delete removes the account row. Refresh records are revoked separately by
// the session layer before deletion.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "identity.Delete"

	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing id"}
	}

	users := pgIdent(s.schema, "users")

	ct, err := s.pool.Exec(ctx, `DELETE FROM `+users+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// ---- helpers ----

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names; fall back to substring heuristics.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_users_email_norm":
		return "email", true
	case "uq_users_username_norm":
		return "username", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "username"):
			return "username", true
		default:
			return "unique", true
		}
	}
}
