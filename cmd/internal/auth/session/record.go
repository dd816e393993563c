package session

// Status of a refresh record. ACTIVE is the only state that can mint new
// tokens; every other state is reached through exactly one revocation or
// through natural expiry.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusRotated       Status = "ROTATED"
	StatusFamilyRevoked Status = "FAMILY_REVOKED"
	StatusExpired       Status = "EXPIRED"
)

// Reason a record left ACTIVE. Null while ACTIVE.
type Reason string

const (
	ReasonRotation        Reason = "ROTATION"
	ReasonReuseAttack     Reason = "REUSE_ATTACK"
	ReasonUserLogout      Reason = "USER_LOGOUT"
	ReasonPasswordChanged Reason = "PASSWORD_CHANGED"
	ReasonAdminForce      Reason = "ADMIN_FORCE"
)

// Record is the server-side state of one refresh secret.
//
// All clocks are epoch milliseconds under the server's wall clock, so the
// grace-window and expiry comparisons are exact integer arithmetic.
//
// Family invariants:
//   - at most one ACTIVE record per FamilyID
//   - RevokedAt is set iff Status != ACTIVE
//   - Version is strictly increasing along the rotation chain
//   - TokenHash is globally unique
type Record struct {
	ID        string
	TokenHash string // 64 hex chars, HMAC-SHA256 of the raw secret
	UserID    string
	FamilyID  string
	Version   int
	Status    Status

	CreatedAt int64
	ExpiresAt int64

	RevokedAt        *int64
	RevocationReason *Reason
	RotatedToID      *string
}

// Active reports whether the record can still mint tokens.
func (r Record) Active() bool { return r.Status == StatusActive }

// ExpiredAt reports natural expiry against the given clock.
func (r Record) ExpiredAt(nowMillis int64) bool { return nowMillis > r.ExpiresAt }
