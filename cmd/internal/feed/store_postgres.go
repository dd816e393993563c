package feed

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

// PostgresStore implements post persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Like is the only multi-statement primitive: the like row and the
// denormalized counter move together in one transaction.
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
			return fmt.Errorf("feed: empty schema")
		}
		if !pgSchemaRe.MatchString(schema) {
			return fmt.Errorf("feed: invalid schema identifier")
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
		return nil, fmt.Errorf("feed: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

const postColumns = `id, author_id, author_username, author_display_name, content, created_at, like_count`

func (s *PostgresStore) Save(ctx context.Context, p Post) error {
	const op = "feed.Save"

	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("posts")+` (`+postColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.AuthorID, p.AuthorUsername, p.AuthorDisplayName, p.Content, p.CreatedAt, p.LikeCount,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) ByID(ctx context.Context, id string) (Post, error) {
	const op = "feed.ByID"

	if err := ctx.Err(); err != nil {
		return Post{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM `+s.table("posts")+` WHERE id = $1`,
		id,
	)
	var p Post
	err := row.Scan(&p.ID, &p.AuthorID, &p.AuthorUsername, &p.AuthorDisplayName, &p.Content, &p.CreatedAt, &p.LikeCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// Timeline pages backwards through posts by id. ULIDs sort
// lexicographically in mint order, so `id < beforeID` walks strictly
// older posts. The LEFT JOIN folds the viewer's like state into the same
// scan; an empty viewerID matches no like rows.
func (s *PostgresStore) Timeline(ctx context.Context, viewerID, beforeID string, limit int) ([]TimelinePost, error) {
	const op = "feed.Timeline"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []TimelinePost{}, nil
	}

	query := `SELECT p.id, p.author_id, p.author_username, p.author_display_name,
	                 p.content, p.created_at, p.like_count,
	                 (l.user_id IS NOT NULL) AS liked
	            FROM ` + s.table("posts") + ` p
	            LEFT JOIN ` + s.table("post_likes") + ` l
	              ON l.post_id = p.id AND l.user_id = $1`
	args := []any{viewerID}
	if beforeID != "" {
		query += ` WHERE p.id < $2 ORDER BY p.id DESC LIMIT $3`
		args = append(args, beforeID, limit)
	} else {
		query += ` ORDER BY p.id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]TimelinePost, 0, limit)
	for rows.Next() {
		var tp TimelinePost
		if err := rows.Scan(
			&tp.ID, &tp.AuthorID, &tp.AuthorUsername, &tp.AuthorDisplayName,
			&tp.Content, &tp.CreatedAt, &tp.LikeCount, &tp.LikedByViewer,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

// Like inserts the like row and bumps the denormalized counter in one
// transaction. A repeat like hits the ON CONFLICT no-op and reads the
// counter back unchanged.
func (s *PostgresStore) Like(ctx context.Context, postID, userID string, nowMillis int64) (bool, int64, error) {
	const op = "feed.Like"

	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("post_likes")+` (post_id, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (post_id, user_id) DO NOTHING`,
		postID, userID, nowMillis,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, 0, ErrPostNotFound
		}
		return false, 0, fmt.Errorf("%s: insert: %w", op, err)
	}
	first := ct.RowsAffected() == 1

	var likeCount int64
	if first {
		err = tx.QueryRow(ctx,
			`UPDATE `+s.table("posts")+`
			    SET like_count = like_count + 1
			  WHERE id = $1
			 RETURNING like_count`,
			postID,
		).Scan(&likeCount)
	} else {
		err = tx.QueryRow(ctx,
			`SELECT like_count FROM `+s.table("posts")+` WHERE id = $1`,
			postID,
		).Scan(&likeCount)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrPostNotFound
		}
		return false, 0, fmt.Errorf("%s: count: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("%s: commit: %w", op, err)
	}
	return first, likeCount, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
