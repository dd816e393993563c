package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ripple/cmd/identity"
)

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []string
}

func (n *recordingNotifier) AuthRevoked(userID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, userID+": "+message)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushes)
}

type engineFixture struct {
	svc    *Service
	store  *MemoryStore
	users  *identity.MemoryStore
	notify *recordingNotifier
	user   identity.User
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	store := NewMemoryStore()
	users := identity.NewMemoryStore()
	user, err := users.Create(context.Background(), identity.CreateUserInput{
		ID:           "01J0000000000000000000USER",
		Email:        "ada@example.com",
		Username:     "ada",
		DisplayName:  "Ada L.",
		PasswordHash: "x",
		Now:          issuedClock,
	})
	require.NoError(t, err)

	notify := &recordingNotifier{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(testJWTConfig(), log, store, users, notify)
	require.NoError(t, err)

	return &engineFixture{svc: svc, store: store, users: users, notify: notify, user: user}
}

func (fx *engineFixture) records(t *testing.T) []Record {
	t.Helper()
	return fx.store.snapshot()
}

func (fx *engineFixture) recordByVersion(t *testing.T, version int) Record {
	t.Helper()
	for _, rec := range fx.store.snapshot() {
		if rec.Version == version {
			return rec
		}
	}
	t.Fatalf("no record with version %d", version)
	return Record{}
}

func TestIssueSession(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	assert.Len(t, pair.RefreshSecret, 96)
	assert.Equal(t, int64(180000), pair.ExpiresIn)

	claims, err := fx.svc.VerifyAccess(issuedClock, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, fx.user.ID, claims.UserID)

	recs := fx.records(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, fx.user.ID, rec.UserID)
	assert.NotEmpty(t, rec.FamilyID)
	assert.Len(t, rec.TokenHash, 64)
	assert.Equal(t, issuedClock.UnixMilli(), rec.CreatedAt)
	assert.Equal(t, issuedClock.Add(14*24*time.Hour).UnixMilli(), rec.ExpiresAt)
	assert.Nil(t, rec.RevokedAt)
	assert.Nil(t, rec.RevocationReason)
	assert.Nil(t, rec.RotatedToID)
}

func TestRefresh_RotatesActiveRecord(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair1, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	t1 := issuedClock.Add(time.Minute)
	pair2, err := fx.svc.Refresh(ctx, t1, pair1.RefreshSecret)
	require.NoError(t, err)
	assert.NotEqual(t, pair1.RefreshSecret, pair2.RefreshSecret)
	assert.NotEqual(t, pair1.AccessToken, pair2.AccessToken)

	claims, err := fx.svc.VerifyAccess(t1, pair2.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, fx.user.ID, claims.UserID)

	recs := fx.records(t)
	require.Len(t, recs, 2)

	old := fx.recordByVersion(t, 1)
	succ := fx.recordByVersion(t, 2)

	assert.Equal(t, StatusRotated, old.Status)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, t1.UnixMilli(), *old.RevokedAt)
	require.NotNil(t, old.RevocationReason)
	assert.Equal(t, ReasonRotation, *old.RevocationReason)
	require.NotNil(t, old.RotatedToID)
	assert.Equal(t, succ.ID, *old.RotatedToID)

	assert.Equal(t, StatusActive, succ.Status)
	assert.Equal(t, old.FamilyID, succ.FamilyID)
	assert.Equal(t, fx.user.ID, succ.UserID)
	assert.Equal(t, t1.UnixMilli(), succ.CreatedAt)
	assert.Equal(t, t1.Add(14*24*time.Hour).UnixMilli(), succ.ExpiresAt, "successor gets a full fresh window")

	var active int
	for _, rec := range recs {
		if rec.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active, "a family holds at most one active record")
}

func TestRefresh_UnknownSecret(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Refresh(ctx, issuedClock, "deadbeef")
	assert.ErrorIs(t, err, ErrRefreshInvalid)

	_, err = fx.svc.Refresh(ctx, issuedClock, "   ")
	assert.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestRefresh_ExpiredRecord(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	expiry := issuedClock.Add(14 * 24 * time.Hour)

	t.Run("past expiry", func(t *testing.T) {
		_, err := fx.svc.Refresh(ctx, expiry.Add(time.Millisecond), pair.RefreshSecret)
		assert.ErrorIs(t, err, ErrRefreshExpired)

		rec := fx.recordByVersion(t, 1)
		assert.Equal(t, StatusActive, rec.Status, "expired presentation changes no state")
		assert.Nil(t, rec.RevokedAt)
	})

	t.Run("at expiry still rotates", func(t *testing.T) {
		_, err := fx.svc.Refresh(ctx, expiry, pair.RefreshSecret)
		require.NoError(t, err)
	})
}

func TestRefresh_StaleWithinGrace(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair1, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	t1 := issuedClock.Add(time.Minute)
	pair2, err := fx.svc.Refresh(ctx, t1, pair1.RefreshSecret)
	require.NoError(t, err)

	// Old secret replayed inside the grace window: racing client, not an
	// attack. Nothing is revoked and no alert goes out.
	_, err = fx.svc.Refresh(ctx, t1.Add(10000*time.Millisecond), pair1.RefreshSecret)
	assert.ErrorIs(t, err, ErrRefreshStale)
	assert.Equal(t, 0, fx.notify.count())

	succ := fx.recordByVersion(t, 2)
	assert.Equal(t, StatusActive, succ.Status, "family survives a stale presentation")

	_, err = fx.svc.Refresh(ctx, t1.Add(20*time.Second), pair2.RefreshSecret)
	require.NoError(t, err, "current secret keeps working")
}

func TestRefresh_ReuseAfterGrace(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair1, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	t1 := issuedClock.Add(time.Minute)
	pair2, err := fx.svc.Refresh(ctx, t1, pair1.RefreshSecret)
	require.NoError(t, err)

	t2 := t1.Add(10001 * time.Millisecond)
	_, err = fx.svc.Refresh(ctx, t2, pair1.RefreshSecret)
	assert.ErrorIs(t, err, ErrRefreshReuse)

	for _, rec := range fx.records(t) {
		assert.Equal(t, StatusFamilyRevoked, rec.Status)
		require.NotNil(t, rec.RevokedAt)
		require.NotNil(t, rec.RevocationReason)
		assert.Equal(t, ReasonReuseAttack, *rec.RevocationReason)
	}
	assert.Equal(t, 1, fx.notify.count())

	// The stolen family is dead: even the latest secret is refused. Right
	// after the revocation that reads as a racing client, later as reuse.
	_, err = fx.svc.Refresh(ctx, t2.Add(time.Second), pair2.RefreshSecret)
	assert.ErrorIs(t, err, ErrRefreshStale)

	_, err = fx.svc.Refresh(ctx, t2.Add(10001*time.Millisecond), pair2.RefreshSecret)
	assert.ErrorIs(t, err, ErrRefreshReuse)
}

func TestRefresh_GraceBoundary(t *testing.T) {
	cases := []struct {
		name  string
		delta time.Duration
		want  error
	}{
		{"at boundary", 10000 * time.Millisecond, ErrRefreshStale},
		{"one millisecond past", 10001 * time.Millisecond, ErrRefreshReuse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newEngineFixture(t)
			ctx := context.Background()

			pair1, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
			require.NoError(t, err)

			t1 := issuedClock.Add(time.Minute)
			_, err = fx.svc.Refresh(ctx, t1, pair1.RefreshSecret)
			require.NoError(t, err)

			_, err = fx.svc.Refresh(ctx, t1.Add(tc.delta), pair1.RefreshSecret)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRefresh_ConcurrentPresentations(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	t1 := issuedClock.Add(time.Second)
	const n = 8

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.svc.Refresh(ctx, t1, pair.RefreshSecret)
		}(i)
	}
	wg.Wait()

	var won, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			assert.ErrorIs(t, err, ErrRefreshStale)
			stale++
		}
	}
	assert.Equal(t, 1, won, "exactly one presentation wins the rotation")
	assert.Equal(t, n-1, stale, "losers inside the grace window read as racing clients")
	assert.Equal(t, 0, fx.notify.count())

	var active, familyRevoked int
	for _, rec := range fx.records(t) {
		switch rec.Status {
		case StatusActive:
			active++
		case StatusFamilyRevoked:
			familyRevoked++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, familyRevoked, "a clean race never escalates to family revocation")
	assert.Equal(t, 2, fx.recordByVersion(t, 2).Version)
}

func TestLogout(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	t1 := issuedClock.Add(time.Minute)
	require.NoError(t, fx.svc.Logout(ctx, t1, pair.RefreshSecret))

	rec := fx.recordByVersion(t, 1)
	assert.Equal(t, StatusFamilyRevoked, rec.Status)
	require.NotNil(t, rec.RevocationReason)
	assert.Equal(t, ReasonUserLogout, *rec.RevocationReason)
	require.NotNil(t, rec.RevokedAt)
	assert.Equal(t, t1.UnixMilli(), *rec.RevokedAt)

	// Idempotent: repeat and unknown secrets both succeed silently, and the
	// original revocation clock never moves.
	require.NoError(t, fx.svc.Logout(ctx, t1.Add(time.Hour), pair.RefreshSecret))
	require.NoError(t, fx.svc.Logout(ctx, t1, "no-such-secret"))
	require.NoError(t, fx.svc.Logout(ctx, t1, ""))

	rec = fx.recordByVersion(t, 1)
	assert.Equal(t, t1.UnixMilli(), *rec.RevokedAt)
	assert.Equal(t, 0, fx.notify.count(), "logout is not pushed")
}

func TestRevokeAllForUser(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pairA, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)
	_, err = fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	// Rotate family A once so it holds both a ROTATED and an ACTIVE record.
	t1 := issuedClock.Add(time.Minute)
	_, err = fx.svc.Refresh(ctx, t1, pairA.RefreshSecret)
	require.NoError(t, err)

	t2 := t1.Add(time.Minute)
	n, err := fx.svc.RevokeAllForUser(ctx, t2, fx.user.ID, ReasonPasswordChanged, "Your password was changed on another device.")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, rec := range fx.records(t) {
		assert.Equal(t, StatusFamilyRevoked, rec.Status)
		require.NotNil(t, rec.RevocationReason)
		assert.Equal(t, ReasonPasswordChanged, *rec.RevocationReason)
		require.NotNil(t, rec.RevokedAt)
		assert.Equal(t, t2.UnixMilli(), *rec.RevokedAt)
	}
	assert.Equal(t, 1, fx.notify.count())

	n, err = fx.svc.RevokeAllForUser(ctx, t2.Add(time.Hour), fx.user.ID, ReasonPasswordChanged, "")
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep flips nothing")

	for _, rec := range fx.records(t) {
		assert.Equal(t, t2.UnixMilli(), *rec.RevokedAt, "revocation clock never moves")
	}
}

func TestRefresh_OrphanedUser(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)
	require.NoError(t, fx.users.Delete(ctx, fx.user.ID))

	_, err = fx.svc.Refresh(ctx, issuedClock.Add(time.Minute), pair.RefreshSecret)
	assert.ErrorIs(t, err, ErrRefreshInvalid)

	rec := fx.recordByVersion(t, 1)
	assert.Equal(t, StatusFamilyRevoked, rec.Status, "families of deleted accounts are closed out")
}

func TestPurgeExpired(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.svc.IssueSession(ctx, issuedClock, fx.user)
	require.NoError(t, err)

	const retention = 720 * time.Hour
	expiry := issuedClock.Add(14 * 24 * time.Hour)

	t1 := expiry.Add(time.Millisecond)
	marked, deleted, err := fx.svc.PurgeExpired(ctx, t1, retention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	assert.Zero(t, deleted)

	rec := fx.recordByVersion(t, 1)
	assert.Equal(t, StatusExpired, rec.Status)
	require.NotNil(t, rec.RevokedAt)
	assert.Equal(t, t1.UnixMilli(), *rec.RevokedAt)
	assert.Nil(t, rec.RevocationReason, "natural expiry is not a revocation")

	t2 := expiry.Add(retention + 2*time.Millisecond)
	marked, deleted, err = fx.svc.PurgeExpired(ctx, t2, retention)
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Equal(t, int64(1), deleted)
	assert.Empty(t, fx.records(t))
}
