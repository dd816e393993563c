package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for db-less development and tests.
// It enforces the same uniqueness contract as the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string // email_norm -> id
	byUser  map[string]string // username_norm -> id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		byUser:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.Create"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Email) == "" || strings.TrimSpace(in.Username) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing id, email or username"}
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

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byEmail[u.EmailNorm]; dup {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	if _, dup := m.byUser[u.UsernameNorm]; dup {
		return User{}, ConflictError{Op: op, Field: "username"}
	}

	m.byID[u.ID] = u
	m.byEmail[u.EmailNorm] = u.ID
	m.byUser[u.UsernameNorm] = u.ID
	return u, nil
}

func (m *MemoryStore) ByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.ByID", Resource: "user"}
	}
	return u, nil
}

func (m *MemoryStore) ByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.ByEmail", Resource: "user"}
	}
	return m.byID[id], nil
}

func (m *MemoryStore) ByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[NormalizeUsername(username)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.ByUsername", Resource: "user"}
	}
	return m.byID[id], nil
}

func (m *MemoryStore) SetPassword(ctx context.Context, id, passwordHash string, changedAtMillis int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[id]
	if !ok {
		return NotFoundError{Op: "identity.SetPassword", Resource: "user"}
	}
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = changedAtMillis
	m.byID[id] = u
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[id]
	if !ok {
		return NotFoundError{Op: "identity.Delete", Resource: "user"}
	}
	delete(m.byID, id)
	delete(m.byEmail, u.EmailNorm)
	delete(m.byUser, u.UsernameNorm)
	return nil
}
