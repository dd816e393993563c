package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ripple/cmd/identity"
	"ripple/cmd/identity/ids"
	"ripple/cmd/internal/metrics"
	"ripple/cmd/security/token"
)

// UserSource supplies the account fields embedded in access credentials.
// Satisfied by identity.Store.
type UserSource interface {
	ByID(ctx context.Context, id string) (identity.User, error)
}

// RevocationNotifier pushes an auth_revoked signal to every live realtime
// connection of a user. Implementations must not block and must never fail
// the calling auth path.
type RevocationNotifier interface {
	AuthRevoked(userID, message string)
}

// NopNotifier discards revocation pushes (tests, db-less tools).
type NopNotifier struct{}

func (NopNotifier) AuthRevoked(string, string) {}

// TokenPair is what a successful issuance or rotation hands the client.
type TokenPair struct {
	AccessToken   string
	RefreshSecret string
	// ExpiresIn is the access credential lifetime in milliseconds.
	ExpiresIn int64
}

// Service is the rotation engine: the single writer of refresh records and
// the issuer of access credentials.
type Service struct {
	cfg    Config
	log    *slog.Logger
	store  Store
	users  UserSource
	tokens AccessTokenManager
	hasher *token.Hasher
	notify RevocationNotifier
}

// NewService validates cfg and wires the engine. notify may be nil.
func NewService(cfg Config, log *slog.Logger, store Store, users UserSource, notify RevocationNotifier) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || users == nil {
		return nil, fmt.Errorf("%w: nil store or user source", ErrConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = NopNotifier{}
	}

	tokens, err := NewJWTManager(cfg)
	if err != nil {
		return nil, err
	}
	hasher, err := token.NewHasher([]byte(cfg.RefreshHashKey))
	if err != nil {
		return nil, fmt.Errorf("%w: refresh hash key: %v", ErrConfig, err)
	}

	return &Service{
		cfg:    cfg,
		log:    log,
		store:  store,
		users:  users,
		tokens: tokens,
		hasher: hasher,
		notify: notify,
	}, nil
}

// IssueSession starts a fresh token family (login / registration):
// version 1, ACTIVE, full refresh window.
func (s *Service) IssueSession(ctx context.Context, now time.Time, user identity.User) (TokenPair, error) {
	familyID, err := ids.NewUUIDv7()
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue session: family id: %w", err)
	}

	pair, _, err := s.mintRecord(ctx, now, user, familyID, 1)
	if err != nil {
		return TokenPair{}, err
	}

	metrics.SessionsIssued.Inc()
	s.log.InfoContext(ctx, "auth.session.issued",
		slog.String("user_id", user.ID),
		slog.String("family_id", familyID),
	)
	return pair, nil
}

// Refresh runs the rotation protocol for a presented refresh secret.
//
// Outcomes map 1:1 onto the sentinel errors in errors.go. Paths that
// issue no tokens never mutate unrelated state.
func (s *Service) Refresh(ctx context.Context, now time.Time, presented string) (TokenPair, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		metrics.RefreshOutcomes.WithLabelValues("invalid").Inc()
		return TokenPair{}, ErrRefreshInvalid
	}

	rec, err := s.store.FindByHash(ctx, s.hasher.Hash(presented))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			metrics.RefreshOutcomes.WithLabelValues("invalid").Inc()
			return TokenPair{}, ErrRefreshInvalid
		}
		return TokenPair{}, fmt.Errorf("refresh: lookup: %w", err)
	}

	nowMs := now.UnixMilli()

	// Natural expiry wins over every status. No state change.
	if rec.ExpiredAt(nowMs) {
		metrics.RefreshOutcomes.WithLabelValues("expired").Inc()
		return TokenPair{}, ErrRefreshExpired
	}

	if rec.Active() {
		pair, won, err := s.rotate(ctx, now, rec)
		if err != nil {
			return TokenPair{}, err
		}
		if won {
			metrics.RefreshOutcomes.WithLabelValues("rotated").Inc()
			return pair, nil
		}

		// Lost the CAS: someone rotated or revoked this record between our
		// read and our update. Re-read and classify like any other
		// non-ACTIVE presentation.
		rec, err = s.store.FindByHash(ctx, rec.TokenHash)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				metrics.RefreshOutcomes.WithLabelValues("invalid").Inc()
				return TokenPair{}, ErrRefreshInvalid
			}
			return TokenPair{}, fmt.Errorf("refresh: reread: %w", err)
		}
	}

	return TokenPair{}, s.classifyRevoked(ctx, nowMs, rec)
}

// rotate is the winner path: CAS-revoke the presented record and insert its
// successor in one transaction. won=false means the CAS lost cleanly.
func (s *Service) rotate(ctx context.Context, now time.Time, rec Record) (TokenPair, bool, error) {
	user, err := s.users.ByID(ctx, rec.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			// Account is gone but a family survived; close it out.
			if _, rerr := s.store.RevokeFamily(ctx, rec.FamilyID, ReasonAdminForce, now.UnixMilli()); rerr != nil {
				s.log.ErrorContext(ctx, "auth.refresh.orphan_family_revoke.fail", slog.String("error", rerr.Error()))
			}
			metrics.RefreshOutcomes.WithLabelValues("invalid").Inc()
			return TokenPair{}, false, ErrRefreshInvalid
		}
		return TokenPair{}, false, fmt.Errorf("refresh: user read: %w", err)
	}

	secret, err := NewRefreshSecret(s.cfg.RefreshSecretBytes)
	if err != nil {
		return TokenPair{}, false, err
	}
	succID, err := ids.NewULID(now)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("refresh: successor id: %w", err)
	}

	nowMs := now.UnixMilli()
	successor := Record{
		ID:        succID,
		TokenHash: s.hasher.Hash(secret),
		UserID:    rec.UserID,
		FamilyID:  rec.FamilyID,
		Version:   rec.Version + 1,
		Status:    StatusActive,
		CreatedAt: nowMs,
		ExpiresAt: nowMs + s.cfg.RefreshTTL.Milliseconds(),
	}

	won, err := s.store.RotateActive(ctx, rec.ID, successor, nowMs)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("refresh: rotate: %w", err)
	}
	if !won {
		return TokenPair{}, false, nil
	}

	access, err := s.tokens.Issue(now, user)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("refresh: issue access: %w", err)
	}

	s.log.DebugContext(ctx, "auth.refresh.rotated",
		slog.String("user_id", rec.UserID),
		slog.String("family_id", rec.FamilyID),
		slog.Int("version", successor.Version),
	)

	return TokenPair{
		AccessToken:   access,
		RefreshSecret: secret,
		ExpiresIn:     s.cfg.ExpiresInMillis(),
	}, true, nil
}

// classifyRevoked decides between a racing client (grace window, stale) and
// a replay attack (revoke the whole family, alert the user).
func (s *Service) classifyRevoked(ctx context.Context, nowMs int64, rec Record) error {
	latest, ok, err := s.store.LatestRevokedInFamily(ctx, rec.FamilyID)
	if err != nil {
		return fmt.Errorf("refresh: classify: %w", err)
	}

	if ok && latest.RevokedAt != nil && nowMs-*latest.RevokedAt <= s.cfg.GraceWindow.Milliseconds() {
		metrics.RefreshOutcomes.WithLabelValues("stale").Inc()
		s.log.DebugContext(ctx, "auth.refresh.stale",
			slog.String("family_id", rec.FamilyID),
			slog.Int64("age_ms", nowMs-*latest.RevokedAt),
		)
		return ErrRefreshStale
	}

	if _, err := s.store.RevokeFamily(ctx, rec.FamilyID, ReasonReuseAttack, nowMs); err != nil {
		return fmt.Errorf("refresh: revoke family: %w", err)
	}
	metrics.RefreshOutcomes.WithLabelValues("reuse").Inc()
	metrics.FamiliesRevoked.WithLabelValues(string(ReasonReuseAttack)).Inc()

	s.log.WarnContext(ctx, "auth.refresh.reuse_detected",
		slog.String("user_id", rec.UserID),
		slog.String("family_id", rec.FamilyID),
		slog.Int("presented_version", rec.Version),
	)
	s.notify.AuthRevoked(rec.UserID, "Your session was terminated because a used sign-in token was presented again.")

	return ErrRefreshReuse
}

// Logout revokes the presented secret's whole family (USER_LOGOUT).
// Idempotent: unknown or already-revoked secrets succeed silently, so the
// endpoint cannot be used to probe token validity.
func (s *Service) Logout(ctx context.Context, now time.Time, presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil
	}

	rec, err := s.store.FindByHash(ctx, s.hasher.Hash(presented))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("logout: lookup: %w", err)
	}

	n, err := s.store.RevokeFamily(ctx, rec.FamilyID, ReasonUserLogout, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("logout: revoke family: %w", err)
	}
	if n > 0 {
		metrics.FamiliesRevoked.WithLabelValues(string(ReasonUserLogout)).Inc()
		s.log.InfoContext(ctx, "auth.logout",
			slog.String("user_id", rec.UserID),
			slog.String("family_id", rec.FamilyID),
		)
	}
	return nil
}

// RevokeAllForUser is the external trigger path (password change, admin
// force, account deletion): every family dies and live connections get an
// auth_revoked push. Idempotent.
func (s *Service) RevokeAllForUser(ctx context.Context, now time.Time, userID string, reason Reason, message string) (int64, error) {
	n, err := s.store.RevokeAllForUser(ctx, userID, reason, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	if n > 0 {
		metrics.FamiliesRevoked.WithLabelValues(string(reason)).Inc()
	}

	s.log.InfoContext(ctx, "auth.revoke_all",
		slog.String("user_id", userID),
		slog.String("reason", string(reason)),
		slog.Int64("records", n),
	)
	if message != "" {
		s.notify.AuthRevoked(userID, message)
	}
	return n, nil
}

// VerifyAccess is strong-mode credential verification.
func (s *Service) VerifyAccess(now time.Time, raw string) (AccessClaims, error) {
	return s.tokens.Verify(now, raw)
}

// ExpiresInMillis exposes the advertised access lifetime.
func (s *Service) ExpiresInMillis() int64 { return s.cfg.ExpiresInMillis() }

// PurgeExpired marks overdue ACTIVE records EXPIRED and deletes records
// whose expiry is older than retention. Janitor entry point.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (marked, deleted int64, err error) {
	nowMs := now.UnixMilli()

	marked, err = s.store.MarkExpired(ctx, nowMs)
	if err != nil {
		return 0, 0, fmt.Errorf("purge: mark expired: %w", err)
	}
	deleted, err = s.store.DeleteExpiredBefore(ctx, nowMs-retention.Milliseconds())
	if err != nil {
		return marked, 0, fmt.Errorf("purge: delete: %w", err)
	}
	return marked, deleted, nil
}

// mintRecord persists a new ACTIVE record and issues its access credential.
func (s *Service) mintRecord(ctx context.Context, now time.Time, user identity.User, familyID string, version int) (TokenPair, Record, error) {
	secret, err := NewRefreshSecret(s.cfg.RefreshSecretBytes)
	if err != nil {
		return TokenPair{}, Record{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return TokenPair{}, Record{}, fmt.Errorf("issue session: record id: %w", err)
	}

	nowMs := now.UnixMilli()
	rec := Record{
		ID:        id,
		TokenHash: s.hasher.Hash(secret),
		UserID:    user.ID,
		FamilyID:  familyID,
		Version:   version,
		Status:    StatusActive,
		CreatedAt: nowMs,
		ExpiresAt: nowMs + s.cfg.RefreshTTL.Milliseconds(),
	}

	if err := s.store.Save(ctx, rec); err != nil {
		return TokenPair{}, Record{}, fmt.Errorf("issue session: save: %w", err)
	}

	access, err := s.tokens.Issue(now, user)
	if err != nil {
		return TokenPair{}, Record{}, fmt.Errorf("issue session: access: %w", err)
	}

	return TokenPair{
		AccessToken:   access,
		RefreshSecret: secret,
		ExpiresIn:     s.cfg.ExpiresInMillis(),
	}, rec, nil
}
