package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ripple/cmd/identity"
)

// AccessClaims is the verified content of an access credential.
type AccessClaims struct {
	UserID      string
	DisplayName string
	Username    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// IssuedAtMillis is the claim clock used against User.PasswordChangedAt.
func (c AccessClaims) IssuedAtMillis() int64 { return c.IssuedAt.UnixMilli() }

// AccessTokenManager issues and verifies access credentials.
type AccessTokenManager interface {
	Issue(now time.Time, user identity.User) (string, error)
	Verify(now time.Time, raw string) (AccessClaims, error)
}

// wireClaims is the JWT payload. Subject carries the user ID; display name
// and username ride along so request paths never need a user read.
//
// IssuedAtMs shadows iat at millisecond precision: the standard claim is
// second-truncated on the wire, too coarse for the passwordChangedAt
// comparison on sensitive routes.
type wireClaims struct {
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
	IssuedAtMs  int64  `json:"iatMs,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs HS256 access credentials and verifies them with a
// uniform leeway on every time claim.
type JWTManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
}

// NewJWTManager builds a manager from a validated Config.
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if len(cfg.SigningSecret) < 32 {
		return nil, fmt.Errorf("%w: signing secret shorter than 32 bytes", ErrConfig)
	}
	if cfg.AccessTTL <= 0 {
		return nil, fmt.Errorf("%w: access TTL must be positive", ErrConfig)
	}
	return &JWTManager{
		secret:   []byte(cfg.SigningSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.AccessTTL,
		leeway:   cfg.Leeway,
	}, nil
}

// Issue mints a credential for user, valid from now for the configured TTL.
func (m *JWTManager) Issue(now time.Time, user identity.User) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", fmt.Errorf("issue access credential: empty user id")
	}
	now = now.UTC()

	claims := wireClaims{
		DisplayName: user.DisplayName,
		Username:    user.Username,
		IssuedAtMs:  now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access credential: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience and the three time claims.
//
// Time checks are done here, not by the JWT library, so that one leeway
// rule in one place covers expiresAt, issuedAt and notBefore identically:
// a value up to leeway on the wrong side of now is still accepted, one
// millisecond further is rejected. All failures surface as
// ErrInvalidCredential; callers must not leak which check failed.
func (m *JWTManager) Verify(now time.Time, raw string) (AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccessClaims{}, ErrInvalidCredential
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims wireClaims
	tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !tok.Valid {
		return AccessClaims{}, ErrInvalidCredential
	}

	if claims.Issuer != m.issuer {
		return AccessClaims{}, ErrInvalidCredential
	}
	if !slices.Contains(claims.Audience, m.audience) {
		return AccessClaims{}, ErrInvalidCredential
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, ErrInvalidCredential
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return AccessClaims{}, ErrInvalidCredential
	}

	nowMs := now.UnixMilli()
	leewayMs := m.leeway.Milliseconds()

	issuedAt := claims.IssuedAt.Time
	if claims.IssuedAtMs > 0 {
		issuedAt = time.UnixMilli(claims.IssuedAtMs).UTC()
	}

	if nowMs-claims.ExpiresAt.UnixMilli() > leewayMs {
		return AccessClaims{}, ErrInvalidCredential
	}
	if issuedAt.UnixMilli()-nowMs > leewayMs {
		return AccessClaims{}, ErrInvalidCredential
	}
	if claims.NotBefore != nil && claims.NotBefore.UnixMilli()-nowMs > leewayMs {
		return AccessClaims{}, ErrInvalidCredential
	}

	return AccessClaims{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Username:    claims.Username,
		IssuedAt:    issuedAt,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
