package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements refresh-record persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Every primitive is a single statement except RotateActive, which wraps
// the conditional revoke and the successor insert in one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgSchemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "ripple").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("session: empty schema")
		}
		if !pgSchemaRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
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
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "refresh_tokens"}.Sanitize()
}

const refreshColumns = `id, token_hash, user_id, family_id, version, status, created_at, expires_at, revoked_at, revocation_reason, rotated_to_id`

// Save inserts a new record. Used for version-1 issuance; successors are
// inserted inside RotateActive.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	const op = "session.Save"

	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (`+refreshColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.TokenHash, rec.UserID, rec.FamilyID, rec.Version, string(rec.Status),
		rec.CreatedAt, rec.ExpiresAt, rec.RevokedAt, nullableReason(rec.RevocationReason), rec.RotatedToID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FindByHash looks a record up by its token hash.
func (s *PostgresStore) FindByHash(ctx context.Context, tokenHash string) (Record, error) {
	const op = "session.FindByHash"

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM `+s.table()+` WHERE token_hash = $1`,
		tokenHash,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// RevokeIfActive is the standalone CAS: ACTIVE -> ROTATED, or no-op.
func (s *PostgresStore) RevokeIfActive(ctx context.Context, id string, nowMillis int64) (bool, error) {
	const op = "session.RevokeIfActive"

	if err := ctx.Err(); err != nil {
		return false, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'ROTATED',
		        revoked_at = $2,
		        revocation_reason = 'ROTATION'
		  WHERE id = $1 AND status = 'ACTIVE'`,
		id, nowMillis,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected() == 1, nil
}

// RevokeFamily flips every non-terminal record of the family to
// FAMILY_REVOKED. Terminal rows keep their original RevokedAt and reason,
// which is what makes the call idempotent.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID string, reason Reason, nowMillis int64) (int64, error) {
	const op = "session.RevokeFamily"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'FAMILY_REVOKED',
		        revoked_at = $2,
		        revocation_reason = $3
		  WHERE family_id = $1 AND status IN ('ACTIVE', 'ROTATED')`,
		familyID, nowMillis, string(reason),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected(), nil
}

// LatestRevokedInFamily returns the family record with the greatest
// RevokedAt. Version breaks ties for rotations landing on the same
// millisecond.
func (s *PostgresStore) LatestRevokedInFamily(ctx context.Context, familyID string) (Record, bool, error) {
	const op = "session.LatestRevokedInFamily"

	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM `+s.table()+`
		  WHERE family_id = $1 AND revoked_at IS NOT NULL
		  ORDER BY revoked_at DESC, version DESC
		  LIMIT 1`,
		familyID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return rec, true, nil
}

// RevokeAllForUser is RevokeFamily across every family the user owns.
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, reason Reason, nowMillis int64) (int64, error) {
	const op = "session.RevokeAllForUser"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'FAMILY_REVOKED',
		        revoked_at = $2,
		        revocation_reason = $3
		  WHERE user_id = $1 AND status IN ('ACTIVE', 'ROTATED')`,
		userID, nowMillis, string(reason),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected(), nil
}

// MarkExpired flips ACTIVE records past their natural expiry to EXPIRED.
// The reason column stays NULL; expiry is not a revocation.
func (s *PostgresStore) MarkExpired(ctx context.Context, nowMillis int64) (int64, error) {
	const op = "session.MarkExpired"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'EXPIRED',
		        revoked_at = $1
		  WHERE status = 'ACTIVE' AND expires_at < $1`,
		nowMillis,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected(), nil
}

// DeleteExpiredBefore drops records whose natural expiry is older than the
// cutoff, regardless of status.
func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoffMillis int64) (int64, error) {
	const op = "session.DeleteExpiredBefore"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ct, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE expires_at < $1`,
		cutoffMillis,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected(), nil
}

// ---- helpers ----

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
		reason *string
	)
	err := row.Scan(
		&rec.ID, &rec.TokenHash, &rec.UserID, &rec.FamilyID, &rec.Version, &status,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt, &reason, &rec.RotatedToID,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if reason != nil {
		r := Reason(*reason)
		rec.RevocationReason = &r
	}
	return rec, nil
}

func nullableReason(r *Reason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}
