package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and db-less development.
// A single mutex makes every primitive atomic, mirroring what the SQL
// statements give the Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Record
	byHash map[string]string // token hash -> record id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Record),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *MemoryStore) FindByHash(ctx context.Context, tokenHash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return cloneRecord(s.byID[id]), nil
}

func (s *MemoryStore) RevokeIfActive(ctx context.Context, id string, nowMillis int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeIfActiveLocked(id, nowMillis), nil
}

func (s *MemoryStore) RotateActive(ctx context.Context, presentedID string, successor Record, nowMillis int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.revokeIfActiveLocked(presentedID, nowMillis) {
		return false, nil
	}
	if err := s.insertLocked(successor); err != nil {
		// Roll the CAS back so a failed insert leaves no side effects.
		presented := s.byID[presentedID]
		presented.Status = StatusActive
		presented.RevokedAt = nil
		presented.RevocationReason = nil
		s.byID[presentedID] = presented
		return false, err
	}

	presented := s.byID[presentedID]
	succID := successor.ID
	presented.RotatedToID = &succID
	s.byID[presentedID] = presented
	return true, nil
}

func (s *MemoryStore) RevokeFamily(ctx context.Context, familyID string, reason Reason, nowMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.byID {
		if rec.FamilyID != familyID {
			continue
		}
		if rec.Status != StatusActive && rec.Status != StatusRotated {
			continue
		}
		rec.Status = StatusFamilyRevoked
		at := nowMillis
		r := reason
		rec.RevokedAt = &at
		rec.RevocationReason = &r
		s.byID[id] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) LatestRevokedInFamily(ctx context.Context, familyID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  Record
		found bool
	)
	for _, rec := range s.byID {
		if rec.FamilyID != familyID || rec.RevokedAt == nil {
			continue
		}
		if !found ||
			*rec.RevokedAt > *best.RevokedAt ||
			(*rec.RevokedAt == *best.RevokedAt && rec.Version > best.Version) {
			best = rec
			found = true
		}
	}
	if !found {
		return Record{}, false, nil
	}
	return cloneRecord(best), true, nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID string, reason Reason, nowMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.byID {
		if rec.UserID != userID {
			continue
		}
		if rec.Status != StatusActive && rec.Status != StatusRotated {
			continue
		}
		rec.Status = StatusFamilyRevoked
		at := nowMillis
		r := reason
		rec.RevokedAt = &at
		rec.RevocationReason = &r
		s.byID[id] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) MarkExpired(ctx context.Context, nowMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.byID {
		if rec.Status != StatusActive || rec.ExpiresAt >= nowMillis {
			continue
		}
		rec.Status = StatusExpired
		at := nowMillis
		rec.RevokedAt = &at
		s.byID[id] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpiredBefore(ctx context.Context, cutoffMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.byID {
		if rec.ExpiresAt >= cutoffMillis {
			continue
		}
		delete(s.byID, id)
		delete(s.byHash, rec.TokenHash)
		n++
	}
	return n, nil
}

// ---- locked helpers ----

func (s *MemoryStore) insertLocked(rec Record) error {
	if _, dup := s.byID[rec.ID]; dup {
		return fmt.Errorf("session: duplicate record id %q", rec.ID)
	}
	if _, dup := s.byHash[rec.TokenHash]; dup {
		return fmt.Errorf("session: duplicate token hash")
	}
	s.byID[rec.ID] = cloneRecord(rec)
	s.byHash[rec.TokenHash] = rec.ID
	return nil
}

func (s *MemoryStore) revokeIfActiveLocked(id string, nowMillis int64) bool {
	rec, ok := s.byID[id]
	if !ok || rec.Status != StatusActive {
		return false
	}
	rec.Status = StatusRotated
	at := nowMillis
	reason := ReasonRotation
	rec.RevokedAt = &at
	rec.RevocationReason = &reason
	s.byID[id] = rec
	return true
}

// cloneRecord copies pointer fields so callers never alias store state.
func cloneRecord(r Record) Record {
	out := r
	if r.RevokedAt != nil {
		at := *r.RevokedAt
		out.RevokedAt = &at
	}
	if r.RevocationReason != nil {
		reason := *r.RevocationReason
		out.RevocationReason = &reason
	}
	if r.RotatedToID != nil {
		id := *r.RotatedToID
		out.RotatedToID = &id
	}
	return out
}
