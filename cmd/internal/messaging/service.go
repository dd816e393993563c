package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ripple/cmd/identity"
	"ripple/cmd/identity/ids"
	"ripple/cmd/internal/realtime"
)

// Publisher is the slice of the realtime router messaging needs.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Service owns the direct-message flows. It also implements
// realtime.ConversationDirectory, so the presence fabric and the typing
// relay look peers up through the same store.
type Service struct {
	log    *slog.Logger
	store  Store
	users  identity.Store
	events Publisher
}

// NewService wires messaging. events may be nil when no realtime fabric
// is running.
func NewService(log *slog.Logger, store Store, users identity.Store, events Publisher) *Service {
	return &Service{log: log, store: store, users: users, events: events}
}

// Send appends a message to the sender's thread with peerID, creating the
// thread on first contact, and pushes new_message to the recipient.
func (s *Service) Send(ctx context.Context, now time.Time, sender Participant, peerID, content string) (Message, error) {
	const op = "messaging.send"

	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > MessageMaxRunes {
		return Message{}, ErrContentInvalid
	}
	if peerID == sender.ID {
		return Message{}, ErrSelfConversation
	}

	if _, err := s.users.ByID(ctx, peerID); err != nil {
		if identity.IsNotFound(err) {
			return Message{}, ErrPeerNotFound
		}
		return Message{}, fmt.Errorf("%s: peer lookup: %w", op, err)
	}

	conv, err := s.conversationWith(ctx, now, sender.ID, peerID)
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("%s: mint id: %w", op, err)
	}
	m := Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        content,
		CreatedAt:      now.UnixMilli(),
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(realtime.NewMessageEvent(peerID, realtime.NewMessageData{
		MessageID:         m.ID,
		ConversationID:    m.ConversationID,
		SenderDisplayName: sender.DisplayName,
		SenderUsername:    sender.Username,
		ContentPreview:    preview(content),
		Timestamp:         m.CreatedAt,
	}))
	return m, nil
}

func (s *Service) conversationWith(ctx context.Context, now time.Time, userID, peerID string) (Conversation, error) {
	a, b := orderPair(userID, peerID)

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("mint id: %w", err)
	}
	candidate := Conversation{
		ID:            id,
		UserA:         a,
		UserB:         b,
		CreatedAt:     now.UnixMilli(),
		LastMessageAt: now.UnixMilli(),
	}

	conv, created, err := s.store.GetOrCreateConversation(ctx, candidate)
	if err != nil {
		return Conversation{}, err
	}
	if created {
		s.log.Info("messaging.conversation.created", "conversation_id", conv.ID)
	}
	return conv, nil
}

// MarkRead stamps every message addressed to readerID in the conversation
// and notifies the peer once. Re-reading an already current thread is a
// quiet no-op.
func (s *Service) MarkRead(ctx context.Context, now time.Time, readerID, conversationID string) (int64, error) {
	const op = "messaging.mark_read"

	conv, err := s.store.ConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	peer, ok := conv.PeerOf(readerID)
	if !ok {
		return 0, ErrNotParticipant
	}

	marked, err := s.store.MarkRead(ctx, conversationID, readerID, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if marked > 0 {
		s.publish(realtime.MessagesReadEvent(peer, realtime.MessagesReadData{
			ConversationID: conversationID,
			ReadByUserID:   readerID,
			Timestamp:      now.UnixMilli(),
		}))
	}
	return marked, nil
}

// Recall lets the sender take a message back. The row stays, content goes,
// and the peer is told once. Recalling an already recalled message is a
// quiet no-op.
func (s *Service) Recall(ctx context.Context, now time.Time, callerID, messageID string) error {
	const op = "messaging.recall"

	m, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if m.SenderID != callerID {
		return ErrNotSender
	}

	conv, err := s.store.ConversationByID(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("%s: conversation: %w", op, err)
	}
	peer, ok := conv.PeerOf(callerID)
	if !ok {
		return fmt.Errorf("%s: sender fell out of own conversation %s", op, conv.ID)
	}

	recalled, err := s.store.RecallMessage(ctx, messageID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if recalled {
		s.publish(realtime.MessageRecalledEvent(peer, realtime.MessageRecalledData{
			MessageID:        messageID,
			ConversationID:   m.ConversationID,
			RecalledByUserID: callerID,
			Timestamp:        now.UnixMilli(),
		}))
	}
	return nil
}

// List returns the caller's inbox, newest activity first, with live peer
// identity. A deleted peer keeps the thread listed under a bare id.
func (s *Service) List(ctx context.Context, userID string) ([]ConversationSummary, error) {
	const op = "messaging.list"

	views, err := s.store.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]ConversationSummary, 0, len(views))
	for _, v := range views {
		peerID, ok := v.PeerOf(userID)
		if !ok {
			continue
		}

		info := PeerInfo{ID: peerID}
		switch u, err := s.users.ByID(ctx, peerID); {
		case err == nil:
			info.Username = u.Username
			info.DisplayName = u.DisplayName
		case identity.IsNotFound(err):
			// account deleted, thread survives
		default:
			return nil, fmt.Errorf("%s: peer lookup: %w", op, err)
		}

		out = append(out, ConversationSummary{
			ID:             v.ID,
			Peer:           info,
			LastMessage:    v.LastMessage,
			UnreadCount:    v.UnreadCount,
			LastActivityAt: v.LastMessageAt,
		})
	}
	return out, nil
}

// PeersOf implements realtime.ConversationDirectory.
func (s *Service) PeersOf(ctx context.Context, userID string) ([]string, error) {
	return s.store.PeersOf(ctx, userID)
}

// PeerInConversation implements realtime.ConversationDirectory.
func (s *Service) PeerInConversation(ctx context.Context, conversationID, userID string) (string, bool, error) {
	conv, err := s.store.ConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	peer, ok := conv.PeerOf(userID)
	if !ok {
		return "", false, nil
	}
	return peer, true, nil
}

func (s *Service) publish(ev realtime.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}

// preview truncates content for push payloads and inbox rows.
func preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewMaxRunes])
}
