package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ripple/cmd/identity/ids"
	"ripple/cmd/internal/realtime"
)

const (
	timelineDefaultLimit = 20
	timelineMaxLimit     = 50
)

// Publisher is the slice of the realtime router the feed needs.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Service owns post writes and the timeline read model. Every successful
// write also produces the matching realtime event; reads never do.
type Service struct {
	log    *slog.Logger
	store  Store
	events Publisher
}

// NewService wires the feed. events may be nil when no realtime fabric is
// running (tests, offline tools).
func NewService(log *slog.Logger, store Store, events Publisher) *Service {
	return &Service{log: log, store: store, events: events}
}

// CreatePost validates and persists a new post, then broadcasts it.
// Attribution is frozen from the author's verified claims at creation.
func (s *Service) CreatePost(ctx context.Context, now time.Time, author Author, content string) (Post, error) {
	const op = "feed.create_post"

	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > ContentMaxRunes {
		return Post{}, ErrContentInvalid
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Post{}, fmt.Errorf("%s: mint id: %w", op, err)
	}

	p := Post{
		ID:                id,
		AuthorID:          author.ID,
		AuthorUsername:    author.Username,
		AuthorDisplayName: author.DisplayName,
		Content:           content,
		CreatedAt:         now.UnixMilli(),
	}
	if err := s.store.Save(ctx, p); err != nil {
		return Post{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(realtime.NewPostEvent(realtime.NewPostData{
		PostID:            p.ID,
		AuthorID:          p.AuthorID,
		AuthorDisplayName: p.AuthorDisplayName,
		AuthorUsername:    p.AuthorUsername,
		Content:           p.Content,
		CreatedAt:         p.CreatedAt,
	}))
	return p, nil
}

// Like records that liker liked postID. Repeat likes are no-ops: the count
// is returned either way, but the post_liked event fires only on the first.
func (s *Service) Like(ctx context.Context, now time.Time, liker Author, postID string) (int64, error) {
	const op = "feed.like"

	first, likeCount, err := s.store.Like(ctx, postID, liker.ID, now.UnixMilli())
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if first {
		s.publish(realtime.PostLikedEvent(realtime.PostLikedData{
			PostID:             postID,
			LikedByUserID:      liker.ID,
			LikedByDisplayName: liker.DisplayName,
			LikedByUsername:    liker.Username,
			NewLikeCount:       likeCount,
			Timestamp:          now.UnixMilli(),
		}))
	}
	return likeCount, nil
}

// Timeline returns the newest posts before beforeID, personalized with the
// viewer's like state when viewerID is set. limit is clamped to [1, 50];
// zero or negative means the default page size.
func (s *Service) Timeline(ctx context.Context, viewerID, beforeID string, limit int) ([]TimelinePost, error) {
	const op = "feed.timeline"

	posts, err := s.store.Timeline(ctx, viewerID, beforeID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return posts, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return timelineDefaultLimit
	}
	if limit > timelineMaxLimit {
		return timelineMaxLimit
	}
	return limit
}

func (s *Service) publish(ev realtime.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}
