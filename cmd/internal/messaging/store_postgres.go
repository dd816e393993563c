package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements conversation and message persistence over
// PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// SaveMessage is the only multi-statement primitive: the message insert
// and the conversation's LastMessageAt bump share one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgSchemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "ripple").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("messaging: empty schema")
		}
		if !pgSchemaRe.MatchString(schema) {
			return fmt.Errorf("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "ripple",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("messaging: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

const conversationColumns = `id, user_a, user_b, created_at, last_message_at`
const messageColumns = `id, conversation_id, sender_id, content, created_at, read_at, recalled_at`

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, candidate Conversation) (Conversation, bool, error) {
	const op = "messaging.GetOrCreateConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	ct, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_a, user_b) DO NOTHING`,
		candidate.ID, candidate.UserA, candidate.UserB, candidate.CreatedAt, candidate.LastMessageAt,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 1 {
		return candidate, true, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+`
		  WHERE user_a = $1 AND user_b = $2`,
		candidate.UserA, candidate.UserB,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%s: read back: %w", op, err)
	}
	return conv, false, nil
}

func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.ConversationByID"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+` WHERE id = $1`,
		id,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return conv, nil
}

// ConversationsFor runs three queries: the threads, then one batched
// latest-message lookup (DISTINCT ON) and one batched unread count, both
// over the collected thread ids.
func (s *PostgresStore) ConversationsFor(ctx context.Context, userID string) ([]ConversationView, error) {
	const op = "messaging.ConversationsFor"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+`
		  WHERE user_a = $1 OR user_b = $1
		  ORDER BY last_message_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var views []ConversationView
	var convIDs []string
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		views = append(views, ConversationView{Conversation: conv})
		convIDs = append(convIDs, conv.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	if len(views) == 0 {
		return []ConversationView{}, nil
	}

	lastByConv, err := s.latestMessages(ctx, convIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	unreadByConv, err := s.unreadCounts(ctx, convIDs, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i := range views {
		if last, ok := lastByConv[views[i].ID]; ok {
			m := last
			views[i].LastMessage = &m
		}
		views[i].UnreadCount = unreadByConv[views[i].ID]
	}
	return views, nil
}

func (s *PostgresStore) latestMessages(ctx context.Context, convIDs []string) (map[string]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, id DESC`,
		convIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Message, len(convIDs))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("latest messages: scan: %w", err)
		}
		out[m.ConversationID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest messages: rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) unreadCounts(ctx context.Context, convIDs []string, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, COUNT(*)
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = ANY($1) AND sender_id <> $2 AND read_at IS NULL
		  GROUP BY conversation_id`,
		convIDs, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(convIDs))
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("unread counts: scan: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unread counts: rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, m Message) error {
	const op = "messaging.SaveMessage"

	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt, m.ReadAt, m.RecalledAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("%s: insert: %w", op, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET last_message_at = GREATEST(last_message_at, $2)
		  WHERE id = $1`,
		m.ConversationID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s: bump activity: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) MessageByID(ctx context.Context, id string) (Message, error) {
	const op = "messaging.MessageByID"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`,
		id,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string, nowMillis int64) (int64, error) {
	const op = "messaging.MarkRead"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET read_at = $3
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL`,
		conversationID, readerID, nowMillis,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresStore) RecallMessage(ctx context.Context, messageID string, nowMillis int64) (bool, error) {
	const op = "messaging.RecallMessage"

	if err := ctx.Err(); err != nil {
		return false, err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET recalled_at = $2,
		        content = ''
		  WHERE id = $1 AND recalled_at IS NULL`,
		messageID, nowMillis,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PostgresStore) PeersOf(ctx context.Context, userID string) ([]string, error) {
	const op = "messaging.PeersOf"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT CASE WHEN user_a = $1 THEN user_b ELSE user_a END
		   FROM `+s.table("conversations")+`
		  WHERE user_a = $1 OR user_b = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

// ---- scanning ----

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt, &c.LastMessageAt)
	return c, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadAt, &m.RecalledAt)
	return m, err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
