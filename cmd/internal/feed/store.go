package feed

import "context"

// Store is the post persistence boundary.
//
// Like must be atomic: the like row and the denormalized counter move
// together, and a repeat like is a no-op reporting first=false.
type Store interface {
	Save(ctx context.Context, p Post) error
	ByID(ctx context.Context, id string) (Post, error)

	// Timeline returns up to limit posts with id < beforeID (all newest
	// first when beforeID is empty). viewerID personalizes LikedByViewer
	// and may be empty for anonymous reads.
	Timeline(ctx context.Context, viewerID, beforeID string, limit int) ([]TimelinePost, error)

	// Like records userID liking postID. first reports whether this was
	// the user's first like of the post; likeCount is the post-change
	// total either way.
	Like(ctx context.Context, postID, userID string, nowMillis int64) (first bool, likeCount int64, err error)
}
