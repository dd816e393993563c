package messaging

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ripple/cmd/internal/auth/api"
)

const defaultMaxBodyBytes = 1 << 20

// Handler exposes messaging over HTTP. Every route is strong-tier: direct
// messages have no anonymous surface.
type Handler struct {
	log     *slog.Logger
	svc     *Service
	auth    *api.Auth
	maxBody int64
}

// NewHandler constructs the messaging handler. maxBody <= 0 selects the
// default request body cap.
func NewHandler(log *slog.Logger, svc *Service, auth *api.Auth, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{log: log, svc: svc, auth: auth, maxBody: maxBody}
}

// Routes returns the messaging router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register attaches the conversation and message routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/conversations", h.handleList)
	r.Post("/conversations/{peerID}/messages", h.handleSend)
	r.Post("/conversations/{conversationID}/read", h.handleRead)
	r.Delete("/messages/{messageID}", h.handleRecall)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
}

type peerResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type lastMessageResponse struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	ContentPreview string `json:"contentPreview"`
	CreatedAt      int64  `json:"createdAt"`
	Recalled       bool   `json:"recalled"`
}

type conversationResponse struct {
	ID             string               `json:"id"`
	Peer           peerResponse         `json:"peer"`
	LastMessage    *lastMessageResponse `json:"lastMessage,omitempty"`
	UnreadCount    int64                `json:"unreadCount"`
	LastActivityAt int64                `json:"lastActivityAt"`
}

type conversationListResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type readResponse struct {
	ConversationID string `json:"conversationId"`
	MarkedRead     int64  `json:"markedRead"`
}

func toConversationResponse(s ConversationSummary) conversationResponse {
	out := conversationResponse{
		ID:             s.ID,
		Peer:           peerResponse{ID: s.Peer.ID, Username: s.Peer.Username, DisplayName: s.Peer.DisplayName},
		UnreadCount:    s.UnreadCount,
		LastActivityAt: s.LastActivityAt,
	}
	if s.LastMessage != nil {
		out.LastMessage = &lastMessageResponse{
			ID:             s.LastMessage.ID,
			SenderID:       s.LastMessage.SenderID,
			ContentPreview: preview(s.LastMessage.Content),
			CreatedAt:      s.LastMessage.CreatedAt,
			Recalled:       s.LastMessage.Recalled(),
		}
	}
	return out
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}

	summaries, err := h.svc.List(r.Context(), p.UserID)
	if err != nil {
		h.log.Error("messaging.list.fail", "error", err, "user_id", p.UserID)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		return
	}

	resp := conversationListResponse{Conversations: make([]conversationResponse, 0, len(summaries))}
	for _, s := range summaries {
		resp.Conversations = append(resp.Conversations, toConversationResponse(s))
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}
	peerID := chi.URLParam(r, "peerID")

	var req sendMessageRequest
	if err := api.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRequest, "malformed JSON body")
		return
	}

	sender := Participant{ID: p.UserID, Username: p.Username, DisplayName: p.DisplayName}
	m, err := h.svc.Send(r.Context(), time.Now().UTC(), sender, peerID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, ErrContentInvalid):
			api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRequest, "content must be 1 to 2000 characters")
		case errors.Is(err, ErrSelfConversation):
			api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRequest, "cannot message yourself")
		case errors.Is(err, ErrPeerNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "user not found")
		default:
			h.log.Error("messaging.send.fail", "error", err, "user_id", p.UserID)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		}
		return
	}

	api.WriteJSON(w, http.StatusCreated, messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	})
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	marked, err := h.svc.MarkRead(r.Context(), time.Now().UTC(), p.UserID, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, ErrConversationNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "conversation not found")
		case errors.Is(err, ErrNotParticipant):
			api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "not a participant")
		default:
			h.log.Error("messaging.read.fail", "error", err, "user_id", p.UserID, "conversation_id", conversationID)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, readResponse{ConversationID: conversationID, MarkedRead: marked})
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.Require(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageID")

	err := h.svc.Recall(r.Context(), time.Now().UTC(), p.UserID, messageID)
	if err != nil {
		switch {
		case errors.Is(err, ErrMessageNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "message not found")
		case errors.Is(err, ErrNotSender):
			api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "only the sender can recall a message")
		default:
			h.log.Error("messaging.recall.fail", "error", err, "user_id", p.UserID, "message_id", messageID)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
