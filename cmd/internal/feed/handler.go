package feed

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ripple/cmd/internal/auth/api"
)

const defaultMaxBodyBytes = 1 << 20

// Handler exposes the feed over HTTP. Routes are mounted under the
// versioned prefix by the app, so paths here start at /posts.
type Handler struct {
	log     *slog.Logger
	svc     *Service
	auth    *api.Auth
	maxBody int64
}

// NewHandler constructs the feed handler. maxBody <= 0 selects the
// default request body cap.
func NewHandler(log *slog.Logger, svc *Service, auth *api.Auth, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{log: log, svc: svc, auth: auth, maxBody: maxBody}
}

// Routes returns the feed router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register attaches the post routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/posts/timeline", h.handleTimeline)
	r.Post("/posts", h.handleCreatePost)
	r.Post("/posts/{postID}/like", h.handleLike)
}

type createPostRequest struct {
	Content string `json:"content"`
}

type postResponse struct {
	ID                string `json:"id"`
	AuthorID          string `json:"authorId"`
	AuthorUsername    string `json:"authorUsername"`
	AuthorDisplayName string `json:"authorDisplayName"`
	Content           string `json:"content"`
	CreatedAt         int64  `json:"createdAt"`
	LikeCount         int64  `json:"likeCount"`
}

type timelinePostResponse struct {
	postResponse
	LikedByViewer bool `json:"likedByViewer"`
}

type timelineResponse struct {
	Posts []timelinePostResponse `json:"posts"`
	// NextBefore is the cursor for the next page; empty when this page
	// ran short and there is nothing older.
	NextBefore string `json:"nextBefore,omitempty"`
}

type likeResponse struct {
	PostID    string `json:"postId"`
	LikeCount int64  `json:"likeCount"`
}

func toPostResponse(p Post) postResponse {
	return postResponse{
		ID:                p.ID,
		AuthorID:          p.AuthorID,
		AuthorUsername:    p.AuthorUsername,
		AuthorDisplayName: p.AuthorDisplayName,
		Content:           p.Content,
		CreatedAt:         p.CreatedAt,
		LikeCount:         p.LikeCount,
	}
}

func (h *Handler) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}

	var req createPostRequest
	if err := api.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRequest, "malformed JSON body")
		return
	}

	author := Author{ID: p.UserID, Username: p.Username, DisplayName: p.DisplayName}
	post, err := h.svc.CreatePost(r.Context(), time.Now().UTC(), author, req.Content)
	if err != nil {
		if errors.Is(err, ErrContentInvalid) {
			api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRequest, "content must be 1 to 280 characters")
			return
		}
		h.log.Error("feed.create_post.fail", "error", err, "user_id", p.UserID)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	api.WriteJSON(w, http.StatusCreated, toPostResponse(post))
}

func (h *Handler) handleLike(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}
	postID := chi.URLParam(r, "postID")

	liker := Author{ID: p.UserID, Username: p.Username, DisplayName: p.DisplayName}
	likeCount, err := h.svc.Like(r.Context(), time.Now().UTC(), liker, postID)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "post not found")
			return
		}
		h.log.Error("feed.like.fail", "error", err, "post_id", postID, "user_id", p.UserID)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	api.WriteJSON(w, http.StatusOK, likeResponse{PostID: postID, LikeCount: likeCount})
}

// handleTimeline is a soft-tier read: anonymous callers get the public
// feed, authenticated callers additionally get their own like flags.
func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	viewerID := ""
	if p, ok := h.auth.Resolve(r); ok {
		viewerID = p.UserID
	}

	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"))
	beforeID := q.Get("before")

	posts, err := h.svc.Timeline(r.Context(), viewerID, beforeID, limit)
	if err != nil {
		h.log.Error("feed.timeline.fail", "error", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	resp := timelineResponse{Posts: make([]timelinePostResponse, 0, len(posts))}
	for _, tp := range posts {
		resp.Posts = append(resp.Posts, timelinePostResponse{
			postResponse:  toPostResponse(tp.Post),
			LikedByViewer: tp.LikedByViewer,
		})
	}
	// A full page may have older posts behind it; a short page is the end.
	if len(posts) == clampLimit(limit) {
		resp.NextBefore = posts[len(posts)-1].ID
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

// parseLimit reads the limit query param. Anything unusable falls back
// to zero, which the service treats as the default page size.
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
