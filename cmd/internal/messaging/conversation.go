// Package messaging implements direct messages between two users:
// conversations, messages, read markers and sender recall. It produces the
// new_message, messages_read and message_recalled realtime events and is
// the conversation directory the presence fabric consults for peer and
// participant lookups.
package messaging

import "errors"

// MessageMaxRunes caps message content after trimming.
const MessageMaxRunes = 2000

// PreviewMaxRunes caps the content preview carried by new_message pushes
// and conversation listings.
const PreviewMaxRunes = 140

var (
	ErrContentInvalid       = errors.New("messaging: content must be 1 to 2000 characters")
	ErrSelfConversation     = errors.New("messaging: cannot start a conversation with yourself")
	ErrPeerNotFound         = errors.New("messaging: peer not found")
	ErrConversationNotFound = errors.New("messaging: conversation not found")
	ErrMessageNotFound      = errors.New("messaging: message not found")
	ErrNotParticipant       = errors.New("messaging: caller is not a participant")
	ErrNotSender            = errors.New("messaging: caller is not the sender")
)

// Conversation is a two-party thread. UserA and UserB are held in
// lexicographic order so one unique row exists per pair regardless of who
// spoke first.
type Conversation struct {
	ID            string
	UserA         string
	UserB         string
	CreatedAt     int64
	LastMessageAt int64
}

// orderPair returns the two ids in storage order.
func orderPair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserA == userID || c.UserB == userID)
}

// PeerOf returns the other participant. ok is false when userID is not a
// participant.
func (c Conversation) PeerOf(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case c.UserA:
		return c.UserB, true
	case c.UserB:
		return c.UserA, true
	default:
		return "", false
	}
}

// Message is one direct message. ReadAt and RecalledAt are epoch millis,
// nil until the transition happens. Recall clears Content for good; the
// row stays so ordering and counts survive.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64
	ReadAt         *int64
	RecalledAt     *int64
}

// Recalled reports whether the message was recalled by its sender.
func (m Message) Recalled() bool { return m.RecalledAt != nil }

// Participant is the caller's identity as taken from verified access
// claims; message attribution on the wire is frozen at send time.
type Participant struct {
	ID          string
	Username    string
	DisplayName string
}

// PeerInfo is the live identity of the other participant, resolved at
// read time so renames show up in the inbox.
type PeerInfo struct {
	ID          string
	Username    string
	DisplayName string
}

// ConversationView is the store's read model for one inbox row.
type ConversationView struct {
	Conversation
	LastMessage *Message
	UnreadCount int64
}

// ConversationSummary is the service's inbox row, peer identity resolved.
type ConversationSummary struct {
	ID             string
	Peer           PeerInfo
	LastMessage    *Message
	UnreadCount    int64
	LastActivityAt int64
}
