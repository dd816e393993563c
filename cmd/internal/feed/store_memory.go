package feed

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the db-less dev implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[string]Post
	// likes maps postID -> set of userIDs.
	likes map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts: make(map[string]Post),
		likes: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Save(ctx context.Context, p Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
	return nil
}

func (m *MemoryStore) ByID(ctx context.Context, id string) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.posts[id]
	if !ok {
		return Post{}, ErrPostNotFound
	}
	return p, nil
}

func (m *MemoryStore) Timeline(ctx context.Context, viewerID, beforeID string, limit int) ([]TimelinePost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []TimelinePost{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.posts))
	for id := range m.posts {
		if beforeID != "" && id >= beforeID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]TimelinePost, 0, len(ids))
	for _, id := range ids {
		entry := TimelinePost{Post: m.posts[id]}
		if viewerID != "" {
			_, entry.LikedByViewer = m.likes[id][viewerID]
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *MemoryStore) Like(ctx context.Context, postID, userID string, nowMillis int64) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	_ = nowMillis

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[postID]
	if !ok {
		return false, 0, ErrPostNotFound
	}

	set := m.likes[postID]
	if set == nil {
		set = make(map[string]struct{})
		m.likes[postID] = set
	}
	if _, dup := set[userID]; dup {
		return false, p.LikeCount, nil
	}

	set[userID] = struct{}{}
	p.LikeCount++
	m.posts[postID] = p
	return true, p.LikeCount, nil
}
