package realtime

import "time"

// Server to client frame types.
const (
	FrameConnected        = "connected"
	FramePresenceSnapshot = "presence_snapshot"
	FramePresenceChanged  = "user_presence_changed"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
	FramePong             = "pong"
	FrameNewPost          = "new_post"
	FramePostLiked        = "post_liked"
	FrameNewMessage       = "new_message"
	FrameMessagesRead     = "messages_read"
	FrameMessageRecalled  = "message_recalled"
	FrameTyping           = "typing_indicator"
	FrameAuthRevoked      = "auth_revoked"
	FrameError            = "error"
)

// Client to server frame types.
const (
	ClientPing            = "ping"
	ClientSubscribePost   = "subscribe_post"
	ClientUnsubscribePost = "unsubscribe_post"
	ClientTyping          = "typing"
	ClientStopTyping      = "stop_typing"
)

// clientFrame is the single inbound shape; unused fields stay empty.
type clientFrame struct {
	Type           string `json:"type"`
	PostID         string `json:"postId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Handshake and reply frames carry their fields inline.

type connectedFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type subscriptionFrame struct {
	Type   string `json:"type"`
	PostID string `json:"postId"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authRevokedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event frames nest their payload under "data".

type eventFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PresenceUser is one entry of a presence snapshot.
type PresenceUser struct {
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp"`
}

type presenceSnapshotData struct {
	Users []PresenceUser `json:"users"`
}

type presenceChangedData struct {
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp"`
}

// NewPostData announces a fresh post to every connection.
type NewPostData struct {
	PostID            string `json:"postId"`
	AuthorID          string `json:"authorId"`
	AuthorDisplayName string `json:"authorDisplayName"`
	AuthorUsername    string `json:"authorUsername"`
	Content           string `json:"content"`
	CreatedAt         int64  `json:"createdAt"`
}

// PostLikedData goes to subscribers of the post's topic.
type PostLikedData struct {
	PostID             string `json:"postId"`
	LikedByUserID      string `json:"likedByUserId"`
	LikedByDisplayName string `json:"likedByDisplayName"`
	LikedByUsername    string `json:"likedByUsername"`
	NewLikeCount       int64  `json:"newLikeCount"`
	Timestamp          int64  `json:"timestamp"`
}

// NewMessageData notifies the recipient of a direct message.
type NewMessageData struct {
	MessageID         string `json:"messageId"`
	ConversationID    string `json:"conversationId"`
	SenderDisplayName string `json:"senderDisplayName"`
	SenderUsername    string `json:"senderUsername"`
	ContentPreview    string `json:"contentPreview"`
	Timestamp         int64  `json:"timestamp"`
}

// MessagesReadData notifies the other participant of a read marker.
type MessagesReadData struct {
	ConversationID string `json:"conversationId"`
	ReadByUserID   string `json:"readByUserId"`
	Timestamp      int64  `json:"timestamp"`
}

// MessageRecalledData notifies the other participant of a recall.
type MessageRecalledData struct {
	MessageID        string `json:"messageId"`
	ConversationID   string `json:"conversationId"`
	RecalledByUserID string `json:"recalledByUserId"`
	Timestamp        int64  `json:"timestamp"`
}

type typingIndicatorData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	Timestamp      int64  `json:"timestamp"`
}

// ---- event constructors ----

// NewPostEvent targets every live connection.
func NewPostEvent(data NewPostData) Event {
	return Event{Type: FrameNewPost, Payload: eventFrame{Type: FrameNewPost, Data: data}, Target: BroadcastTarget{}}
}

// PostLikedEvent targets subscribers of the post's topic.
func PostLikedEvent(data PostLikedData) Event {
	return Event{Type: FramePostLiked, Payload: eventFrame{Type: FramePostLiked, Data: data}, Target: TopicTarget{Topic: PostTopic(data.PostID)}}
}

// NewMessageEvent targets the recipient's connections.
func NewMessageEvent(recipientID string, data NewMessageData) Event {
	return Event{Type: FrameNewMessage, Payload: eventFrame{Type: FrameNewMessage, Data: data}, Target: UserTarget{UserID: recipientID}}
}

// MessagesReadEvent targets the participant whose messages were read.
func MessagesReadEvent(recipientID string, data MessagesReadData) Event {
	return Event{Type: FrameMessagesRead, Payload: eventFrame{Type: FrameMessagesRead, Data: data}, Target: UserTarget{UserID: recipientID}}
}

// MessageRecalledEvent targets the other participant.
func MessageRecalledEvent(recipientID string, data MessageRecalledData) Event {
	return Event{Type: FrameMessageRecalled, Payload: eventFrame{Type: FrameMessageRecalled, Data: data}, Target: UserTarget{UserID: recipientID}}
}

// TypingIndicatorEvent targets the conversation peer.
func TypingIndicatorEvent(peerID, conversationID, userID string, isTyping bool, now time.Time) Event {
	data := typingIndicatorData{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		Timestamp:      now.UnixMilli(),
	}
	return Event{Type: FrameTyping, Payload: eventFrame{Type: FrameTyping, Data: data}, Target: UserTarget{UserID: peerID}}
}

// PresenceChangedEvent targets the user's conversation peers only.
func PresenceChangedEvent(peerIDs []string, userID string, isOnline bool, now time.Time) Event {
	data := presenceChangedData{
		UserID:    userID,
		IsOnline:  isOnline,
		Timestamp: now.UnixMilli(),
	}
	return Event{Type: FramePresenceChanged, Payload: eventFrame{Type: FramePresenceChanged, Data: data}, Target: UserSetTarget{UserIDs: peerIDs}}
}

// AuthRevokedEvent targets every connection of the affected user.
func AuthRevokedEvent(userID, message string) Event {
	return Event{Type: FrameAuthRevoked, Payload: authRevokedFrame{Type: FrameAuthRevoked, Message: message}, Target: UserTarget{UserID: userID}}
}

// PostTopic is the topic identifier for a post's engagement events.
func PostTopic(postID string) string { return "post:" + postID }
