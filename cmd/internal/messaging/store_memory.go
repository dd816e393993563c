package messaging

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the db-less dev implementation.
type MemoryStore struct {
	mu sync.RWMutex
	// convs maps conversation id -> conversation.
	convs map[string]Conversation
	// pairIndex maps "userA|userB" (storage order) -> conversation id.
	pairIndex map[string]string
	// messages maps message id -> message.
	messages map[string]*Message
	// byConv maps conversation id -> message ids in append order.
	byConv map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:     make(map[string]Conversation),
		pairIndex: make(map[string]string),
		messages:  make(map[string]*Message),
		byConv:    make(map[string][]string),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

func (m *MemoryStore) GetOrCreateConversation(ctx context.Context, candidate Conversation) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(candidate.UserA, candidate.UserB)
	if id, ok := m.pairIndex[key]; ok {
		return m.convs[id], false, nil
	}

	m.convs[candidate.ID] = candidate
	m.pairIndex[key] = candidate.ID
	return candidate, true, nil
}

func (m *MemoryStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (m *MemoryStore) ConversationsFor(ctx context.Context, userID string) ([]ConversationView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConversationView, 0, 4)
	for _, conv := range m.convs {
		if !conv.HasParticipant(userID) {
			continue
		}

		view := ConversationView{Conversation: conv}
		msgIDs := m.byConv[conv.ID]
		if len(msgIDs) > 0 {
			last := *m.messages[msgIDs[len(msgIDs)-1]]
			view.LastMessage = &last
		}
		for _, id := range msgIDs {
			msg := m.messages[id]
			if msg.SenderID != userID && msg.ReadAt == nil {
				view.UnreadCount++
			}
		}
		out = append(out, view)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}

	stored := msg
	m.messages[msg.ID] = &stored
	m.byConv[msg.ConversationID] = append(m.byConv[msg.ConversationID], msg.ID)

	if msg.CreatedAt > conv.LastMessageAt {
		conv.LastMessageAt = msg.CreatedAt
		m.convs[conv.ID] = conv
	}
	return nil
}

func (m *MemoryStore) MessageByID(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return *msg, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string, nowMillis int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var marked int64
	for _, id := range m.byConv[conversationID] {
		msg := m.messages[id]
		if msg.SenderID == readerID || msg.ReadAt != nil {
			continue
		}
		at := nowMillis
		msg.ReadAt = &at
		marked++
	}
	return marked, nil
}

func (m *MemoryStore) RecallMessage(ctx context.Context, messageID string, nowMillis int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.RecalledAt != nil {
		return false, nil
	}

	at := nowMillis
	msg.RecalledAt = &at
	msg.Content = ""
	return true, nil
}

func (m *MemoryStore) PeersOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]string, 0, 4)
	for _, conv := range m.convs {
		peer, ok := conv.PeerOf(userID)
		if !ok || seen[peer] {
			continue
		}
		seen[peer] = true
		out = append(out, peer)
	}
	sort.Strings(out)
	return out, nil
}
