package session

import "context"

// Store is the refresh-record persistence boundary.
//
// The rotation engine is the only writer and goes through these primitives
// exclusively; it never touches SQL. Each primitive is atomic. Correctness
// of rotation does not depend on isolation beyond READ COMMITTED: the
// conditional update inside RotateActive is the linearization point that
// decides rotation races.
type Store interface {
	// Save inserts a new record (login/registration issuance).
	Save(ctx context.Context, rec Record) error

	// FindByHash looks a record up by its token hash.
	// Returns ErrRecordNotFound when absent.
	FindByHash(ctx context.Context, tokenHash string) (Record, error)

	// RevokeIfActive flips one record from ACTIVE to ROTATED (with
	// ReasonRotation) iff it still is ACTIVE, reporting whether this call
	// did the flip. This is the compare-and-set primitive: under concurrent
	// presentation of the same secret exactly one caller observes true.
	RevokeIfActive(ctx context.Context, id string, nowMillis int64) (bool, error)

	// RotateActive performs the winner's whole rotation step in a single
	// transaction: the RevokeIfActive CAS on the presented record (with
	// ReasonRotation), the insert of the successor record, and the
	// RotatedToID link. Returns false without side effects when the CAS
	// loses.
	RotateActive(ctx context.Context, presentedID string, successor Record, nowMillis int64) (bool, error)

	// RevokeFamily bulk-revokes all non-terminal records (ACTIVE, ROTATED)
	// of a family. Idempotent: repeated calls affect zero rows and never
	// move RevokedAt. Returns the number of records flipped.
	RevokeFamily(ctx context.Context, familyID string, reason Reason, nowMillis int64) (int64, error)

	// LatestRevokedInFamily returns the family's most recently revoked
	// record, ok=false when the family has none.
	LatestRevokedInFamily(ctx context.Context, familyID string) (Record, bool, error)

	// RevokeAllForUser is RevokeFamily across all the user's families.
	RevokeAllForUser(ctx context.Context, userID string, reason Reason, nowMillis int64) (int64, error)

	// MarkExpired flips ACTIVE records past their expiry to EXPIRED.
	// Janitor use; the refresh path checks expiry against the clock and
	// does not depend on this mark.
	MarkExpired(ctx context.Context, nowMillis int64) (int64, error)

	// DeleteExpiredBefore removes records whose expiry is older than the
	// cutoff. Janitor use.
	DeleteExpiredBefore(ctx context.Context, cutoffMillis int64) (int64, error)
}
