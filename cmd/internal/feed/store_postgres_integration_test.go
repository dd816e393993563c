package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ripple/cmd/identity/ids"
)

// Integration tests are opt-in and require RIPPLE_TEST_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresFeedStore_SaveByIDRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyFeedSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p := testPost(t, 0)
	if err := st.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.ByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}

	if _, err := st.ByID(ctx, "01ZZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("missing post: expected ErrPostNotFound, got %v", err)
	}
}

func TestPostgresFeedStore_LikeSemantics(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyFeedSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p := testPost(t, 0)
	if err := st.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	now := time.Now().UnixMilli()

	first, count, err := st.Like(ctx, p.ID, "user-a", now)
	if err != nil {
		t.Fatalf("like: %v", err)
	}
	if !first || count != 1 {
		t.Fatalf("first like: got (first=%v, count=%d), want (true, 1)", first, count)
	}

	first, count, err = st.Like(ctx, p.ID, "user-a", now+1)
	if err != nil {
		t.Fatalf("repeat like: %v", err)
	}
	if first || count != 1 {
		t.Fatalf("repeat like: got (first=%v, count=%d), want (false, 1)", first, count)
	}

	first, count, err = st.Like(ctx, p.ID, "user-b", now+2)
	if err != nil {
		t.Fatalf("second user like: %v", err)
	}
	if !first || count != 2 {
		t.Fatalf("second user like: got (first=%v, count=%d), want (true, 2)", first, count)
	}

	got, err := st.ByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.LikeCount != 2 {
		t.Fatalf("denormalized counter: got %d want 2", got.LikeCount)
	}

	if _, _, err := st.Like(ctx, "01ZZZZZZZZZZZZZZZZZZZZZZZZ", "user-a", now+3); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("like on missing post: expected ErrPostNotFound, got %v", err)
	}
}

func TestPostgresFeedStore_TimelineKeyset(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyFeedSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	posts := make([]Post, 5)
	for i := range posts {
		posts[i] = testPost(t, i)
		if err := st.Save(ctx, posts[i]); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	const viewer = "user-viewer"
	if _, _, err := st.Like(ctx, posts[1].ID, viewer, time.Now().UnixMilli()); err != nil {
		t.Fatalf("like: %v", err)
	}

	page, err := st.Timeline(ctx, viewer, "", 3)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("first page: got %d posts, want 3", len(page))
	}
	for i, want := range []string{posts[4].ID, posts[3].ID, posts[2].ID} {
		if page[i].ID != want {
			t.Fatalf("first page order: page[%d]=%s want %s", i, page[i].ID, want)
		}
		if page[i].LikedByViewer {
			t.Fatalf("first page: post %s unexpectedly flagged", page[i].ID)
		}
	}

	rest, err := st.Timeline(ctx, viewer, page[len(page)-1].ID, 3)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("second page: got %d posts, want 2", len(rest))
	}
	if rest[0].ID != posts[1].ID || rest[1].ID != posts[0].ID {
		t.Fatalf("second page order: got (%s, %s)", rest[0].ID, rest[1].ID)
	}
	if !rest[0].LikedByViewer {
		t.Fatalf("viewer's like not flagged on %s", rest[0].ID)
	}
	if rest[0].LikeCount != 1 {
		t.Fatalf("like count: got %d want 1", rest[0].LikeCount)
	}

	anon, err := st.Timeline(ctx, "", "", 5)
	if err != nil {
		t.Fatalf("anonymous timeline: %v", err)
	}
	for _, tp := range anon {
		if tp.LikedByViewer {
			t.Fatalf("anonymous viewer flagged on %s", tp.ID)
		}
	}
}

// ---- helpers ----

func testPost(t *testing.T, offsetMillis int) Post {
	t.Helper()

	mint := time.Now().UTC().Add(time.Duration(offsetMillis) * time.Millisecond)
	id, err := ids.NewULID(mint)
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return Post{
		ID:                id,
		AuthorID:          "user-author",
		AuthorUsername:    "author",
		AuthorDisplayName: "Author",
		Content:           fmt.Sprintf("post %d", offsetMillis),
		CreatedAt:         mint.UnixMilli(),
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RIPPLE_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RIPPLE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RIPPLE_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	suffix, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "ripple_it_" + strings.ToLower(suffix)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyFeedSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	posts := pgx.Identifier{schema, "posts"}.Sanitize()
	likes := pgx.Identifier{schema, "post_likes"}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  author_id TEXT NOT NULL,
  author_username TEXT NOT NULL,
  author_display_name TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  like_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS %s (
  post_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  created_at BIGINT NOT NULL,

  CONSTRAINT pk_post_likes PRIMARY KEY (post_id, user_id)
);`, posts, likes, posts)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	idx := fmt.Sprintf(`CREATE INDEX ON %s (user_id);`, likes)
	if _, err := pool.Exec(ctx, idx); err != nil {
		t.Fatalf("apply indexes: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
