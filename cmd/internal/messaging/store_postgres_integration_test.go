package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ripple/cmd/identity/ids"
)

// Integration tests are opt-in and require RIPPLE_TEST_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresMessagingStore_GetOrCreateConversation(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first := testConversation(t, "user-a", "user-b", 0)
	got, created, err := st.GetOrCreateConversation(ctx, first)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || got.ID != first.ID {
		t.Fatalf("first call: got (created=%v, id=%s), want (true, %s)", created, got.ID, first.ID)
	}

	second := testConversation(t, "user-a", "user-b", 1)
	got, created, err = st.GetOrCreateConversation(ctx, second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if created || got.ID != first.ID {
		t.Fatalf("second call: got (created=%v, id=%s), want (false, %s)", created, got.ID, first.ID)
	}

	if _, err := st.ConversationByID(ctx, first.ID); err != nil {
		t.Fatalf("by id: %v", err)
	}
	if _, err := st.ConversationByID(ctx, "conv-missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: expected ErrConversationNotFound, got %v", err)
	}
}

func TestPostgresMessagingStore_InboxAndReadMarks(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convAB := testConversation(t, "user-a", "user-b", 0)
	if _, _, err := st.GetOrCreateConversation(ctx, convAB); err != nil {
		t.Fatalf("create ab: %v", err)
	}
	convAC := testConversation(t, "user-a", "user-c", 1)
	if _, _, err := st.GetOrCreateConversation(ctx, convAC); err != nil {
		t.Fatalf("create ac: %v", err)
	}

	m1 := testMessage(t, convAB.ID, "user-a", "one", 10)
	m2 := testMessage(t, convAB.ID, "user-a", "two", 20)
	m3 := testMessage(t, convAC.ID, "user-c", "three", 30)
	for _, m := range []Message{m1, m2, m3} {
		if err := st.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	views, err := st.ConversationsFor(ctx, "user-a")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("inbox size: got %d want 2", len(views))
	}
	if views[0].ID != convAC.ID {
		t.Fatalf("inbox order: newest activity first, got %s", views[0].ID)
	}
	if views[0].LastMessage == nil || views[0].LastMessage.ID != m3.ID {
		t.Fatalf("ac last message: %+v", views[0].LastMessage)
	}
	if views[0].UnreadCount != 1 {
		t.Fatalf("ac unread for user-a: got %d want 1", views[0].UnreadCount)
	}
	if views[1].LastMessage == nil || views[1].LastMessage.ID != m2.ID {
		t.Fatalf("ab last message: %+v", views[1].LastMessage)
	}
	if views[1].UnreadCount != 0 {
		t.Fatalf("ab unread for the sender: got %d want 0", views[1].UnreadCount)
	}

	bViews, err := st.ConversationsFor(ctx, "user-b")
	if err != nil {
		t.Fatalf("b inbox: %v", err)
	}
	if len(bViews) != 1 || bViews[0].UnreadCount != 2 {
		t.Fatalf("b inbox: %+v", bViews)
	}

	marked, err := st.MarkRead(ctx, convAB.ID, "user-b", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 2 {
		t.Fatalf("marked: got %d want 2", marked)
	}

	marked, err = st.MarkRead(ctx, convAB.ID, "user-b", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if marked != 0 {
		t.Fatalf("second mark read: got %d want 0", marked)
	}

	bViews, err = st.ConversationsFor(ctx, "user-b")
	if err != nil {
		t.Fatalf("b inbox after read: %v", err)
	}
	if bViews[0].UnreadCount != 0 {
		t.Fatalf("unread after read: got %d want 0", bViews[0].UnreadCount)
	}

	// Activity clock only moves forward.
	if got, _ := st.ConversationByID(ctx, convAB.ID); got.LastMessageAt != m2.CreatedAt {
		t.Fatalf("last_message_at: got %d want %d", got.LastMessageAt, m2.CreatedAt)
	}

	if err := st.SaveMessage(ctx, testMessage(t, "conv-missing", "user-a", "dangling", 40)); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("dangling message: expected ErrConversationNotFound, got %v", err)
	}
}

func TestPostgresMessagingStore_RecallOnce(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv := testConversation(t, "user-a", "user-b", 0)
	if _, _, err := st.GetOrCreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	m := testMessage(t, conv.ID, "user-a", "oops", 10)
	if err := st.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	now := time.Now().UnixMilli()
	recalled, err := st.RecallMessage(ctx, m.ID, now)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !recalled {
		t.Fatal("first recall reported false")
	}

	recalled, err = st.RecallMessage(ctx, m.ID, now+1)
	if err != nil {
		t.Fatalf("second recall: %v", err)
	}
	if recalled {
		t.Fatal("second recall reported true")
	}

	got, err := st.MessageByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Content != "" || !got.Recalled() || *got.RecalledAt != now {
		t.Fatalf("recalled row: %+v", got)
	}

	if _, err := st.MessageByID(ctx, "msg-missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message: expected ErrMessageNotFound, got %v", err)
	}
}

func TestPostgresMessagingStore_PeersOf(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for i, pair := range [][2]string{{"user-a", "user-b"}, {"user-a", "user-c"}, {"user-b", "user-c"}} {
		if _, _, err := st.GetOrCreateConversation(ctx, testConversation(t, pair[0], pair[1], i)); err != nil {
			t.Fatalf("create %v: %v", pair, err)
		}
	}

	peers, err := st.PeersOf(ctx, "user-a")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	sort.Strings(peers)
	if len(peers) != 2 || peers[0] != "user-b" || peers[1] != "user-c" {
		t.Fatalf("user-a peers: %v", peers)
	}

	peers, err = st.PeersOf(ctx, "user-d")
	if err != nil {
		t.Fatalf("lonely peers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("user-d peers: %v", peers)
	}
}

// ---- helpers ----

func testConversation(t *testing.T, x, y string, offsetMillis int) Conversation {
	t.Helper()

	mint := time.Now().UTC().Add(time.Duration(offsetMillis) * time.Millisecond)
	id, err := ids.NewULID(mint)
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	a, b := orderPair(x, y)
	return Conversation{
		ID:            id,
		UserA:         a,
		UserB:         b,
		CreatedAt:     mint.UnixMilli(),
		LastMessageAt: mint.UnixMilli(),
	}
}

func testMessage(t *testing.T, conversationID, senderID, content string, offsetMillis int) Message {
	t.Helper()

	mint := time.Now().UTC().Add(time.Duration(offsetMillis) * time.Millisecond)
	id, err := ids.NewULID(mint)
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      mint.UnixMilli(),
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

func mustApplyMessagingSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conversations := pgx.Identifier{schema, "conversations"}.Sanitize()
	messages := pgx.Identifier{schema, "messages"}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  user_a TEXT NOT NULL,
  user_b TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  last_message_at BIGINT NOT NULL,

  CONSTRAINT uq_conversations_pair UNIQUE (user_a, user_b)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
  sender_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  read_at BIGINT,
  recalled_at BIGINT
);`, conversations, messages, conversations)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	idx := fmt.Sprintf(`
CREATE INDEX ON %s (user_a);
CREATE INDEX ON %s (user_b);
CREATE INDEX ON %s (conversation_id, id);
CREATE INDEX ON %s (conversation_id, read_at) WHERE read_at IS NULL;`,
		conversations, conversations, messages, messages)
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
