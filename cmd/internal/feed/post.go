// Package feed implements the micro-post surface: create, like, and the
// public timeline. It is the in-process producer of the new_post and
// post_liked realtime events.
package feed

import "errors"

// Post is one micro-post. CreatedAt is epoch millis; the ULID in ID orders
// identically, which is what timeline pagination keys on. Author
// attribution is denormalized at creation, matching the frozen attribution
// in the new_post broadcast.
type Post struct {
	ID                string
	AuthorID          string
	AuthorUsername    string
	AuthorDisplayName string
	Content           string
	CreatedAt         int64
	LikeCount         int64
}

// TimelinePost is the read model: a post plus the viewer's like state.
type TimelinePost struct {
	Post
	LikedByViewer bool
}

// Author is the attribution carried into posts and events. It comes from
// the caller's verified access claims, not from a user read.
type Author struct {
	ID          string
	Username    string
	DisplayName string
}

// ContentMaxRunes bounds post length.
const ContentMaxRunes = 280

var (
	// ErrPostNotFound reports an unknown post ID.
	ErrPostNotFound = errors.New("post not found")

	// ErrContentInvalid reports empty or over-long content.
	ErrContentInvalid = errors.New("post content invalid")
)
