package messaging

import "context"

// Store is the persistence port for conversations and messages.
type Store interface {
	// GetOrCreateConversation returns the thread for the candidate's pair,
	// inserting the candidate when none exists. created reports which
	// happened. Participants must already be in storage order.
	GetOrCreateConversation(ctx context.Context, candidate Conversation) (conv Conversation, created bool, err error)

	// ConversationByID returns ErrConversationNotFound when missing.
	ConversationByID(ctx context.Context, id string) (Conversation, error)

	// ConversationsFor lists the user's threads newest-activity first,
	// each with its latest message and the count of messages addressed to
	// the user that are still unread.
	ConversationsFor(ctx context.Context, userID string) ([]ConversationView, error)

	// SaveMessage appends the message and advances the conversation's
	// LastMessageAt to the message clock, atomically. A missing thread is
	// ErrConversationNotFound.
	SaveMessage(ctx context.Context, m Message) error

	// MessageByID returns ErrMessageNotFound when missing.
	MessageByID(ctx context.Context, id string) (Message, error)

	// MarkRead stamps every unread message in the conversation not sent by
	// readerID. Returns how many rows changed; zero means the marker was
	// already current.
	MarkRead(ctx context.Context, conversationID, readerID string, nowMillis int64) (int64, error)

	// RecallMessage clears content and stamps RecalledAt, once. false
	// means the message was already recalled.
	RecallMessage(ctx context.Context, messageID string, nowMillis int64) (bool, error)

	// PeersOf returns the distinct other-participant ids across the
	// user's conversations.
	PeersOf(ctx context.Context, userID string) ([]string, error)
}
