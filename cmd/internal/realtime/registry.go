package realtime

import (
	"context"
	"log/slog"
	"sync"

	"ripple/cmd/internal/metrics"
)

// ConversationDirectory is the messaging collaborator the fabric consults
// for presence fan-out and typing relays. Implementations must tolerate
// being called from connection goroutines.
type ConversationDirectory interface {
	// PeersOf returns the ids of users who share at least one conversation
	// with userID.
	PeersOf(ctx context.Context, userID string) ([]string, error)

	// PeerInConversation returns the other participant of the conversation,
	// with ok=false when the conversation is missing or userID is not a
	// participant.
	PeerInConversation(ctx context.Context, conversationID, userID string) (string, bool, error)
}

// Registry tracks which users are connected and which connections follow
// which topics. It is the single source of presence truth for one node.
//
// All three maps mutate only under the registry lock; lookups hand out
// copied slices so callers never hold live map references.
type Registry struct {
	log   *slog.Logger
	peers ConversationDirectory

	mu         sync.RWMutex
	conns      map[string]*Conn            // connection id -> conn
	userConns  map[string]map[string]*Conn // user id -> connection id -> conn
	connUser   map[string]string           // connection id -> user id
	topicSubs  map[string]map[string]*Conn // topic -> connection id -> conn
	connTopics map[string]map[string]bool  // connection id -> topics (teardown index)
}

// NewRegistry constructs an empty registry. peers may be nil in tests that
// never touch presence.
func NewRegistry(log *slog.Logger, peers ConversationDirectory) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		peers:      peers,
		conns:      make(map[string]*Conn),
		userConns:  make(map[string]map[string]*Conn),
		connUser:   make(map[string]string),
		topicSubs:  make(map[string]map[string]*Conn),
		connTopics: make(map[string]map[string]bool),
	}
}

// Add registers a connection and reports whether its user went online
// (connection count transitioned zero to one).
func (r *Registry) Add(conn *Conn) (wentOnline bool) {
	if conn == nil || conn.ID == "" || conn.UserID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.conns[conn.ID]; dup {
		return false
	}

	set := r.userConns[conn.UserID]
	if set == nil {
		set = make(map[string]*Conn)
		r.userConns[conn.UserID] = set
	}
	wentOnline = len(set) == 0

	set[conn.ID] = conn
	r.conns[conn.ID] = conn
	r.connUser[conn.ID] = conn.UserID

	metrics.WSConnections.Inc()
	r.log.Debug("realtime.registry.add",
		slog.String("conn_id", conn.ID),
		slog.String("user_id", conn.UserID),
		slog.Bool("went_online", wentOnline),
	)
	return wentOnline
}

// Remove unregisters a connection from all maps. Idempotent: the second
// call for the same connection reports removed=false and can never observe
// a second offline transition.
func (r *Registry) Remove(connID string) (userID string, removed, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return "", false, false
	}
	userID = conn.UserID

	delete(r.conns, connID)
	delete(r.connUser, connID)

	if set := r.userConns[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.userConns, userID)
			wentOffline = true
		}
	}

	for topic := range r.connTopics[connID] {
		if subs := r.topicSubs[topic]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.topicSubs, topic)
			}
		}
	}
	delete(r.connTopics, connID)

	metrics.WSConnections.Dec()
	r.log.Debug("realtime.registry.remove",
		slog.String("conn_id", connID),
		slog.String("user_id", userID),
		slog.Bool("went_offline", wentOffline),
	)
	return userID, true, wentOffline
}

// Subscribe adds the connection to a topic. Unknown connections are ignored
// so a racing teardown cannot resurrect map entries.
func (r *Registry) Subscribe(conn *Conn, topic string) {
	if conn == nil || topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.conns[conn.ID]; !live {
		return
	}

	subs := r.topicSubs[topic]
	if subs == nil {
		subs = make(map[string]*Conn)
		r.topicSubs[topic] = subs
	}
	subs[conn.ID] = conn

	topics := r.connTopics[conn.ID]
	if topics == nil {
		topics = make(map[string]bool)
		r.connTopics[conn.ID] = topics
	}
	topics[topic] = true
}

// Unsubscribe removes the connection from a topic. Idempotent.
func (r *Registry) Unsubscribe(conn *Conn, topic string) {
	if conn == nil || topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if subs := r.topicSubs[topic]; subs != nil {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(r.topicSubs, topic)
		}
	}
	if topics := r.connTopics[conn.ID]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.connTopics, conn.ID)
		}
	}
}

// ConnectionsOf returns a copy of the user's connection set.
func (r *Registry) ConnectionsOf(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyConns(r.userConns[userID])
}

// SubscribersOf returns a copy of the topic's subscriber set.
func (r *Registry) SubscribersOf(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyConns(r.topicSubs[topic])
}

// ConnectionsOfUsers returns the union of several users' connections.
func (r *Registry) ConnectionsOfUsers(userIDs []string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, id := range userIDs {
		for _, conn := range r.userConns[id] {
			out = append(out, conn)
		}
	}
	return out
}

// AllConnections returns a consistent copy of every live connection.
func (r *Registry) AllConnections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyConns(r.conns)
}

// IsUserOnline reports whether the user has at least one live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID]) > 0
}

// PeerIDsForUser asks the messaging collaborator for the user's
// conversation peers. A nil directory yields no peers.
func (r *Registry) PeerIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if r.peers == nil {
		return nil, nil
	}
	return r.peers.PeersOf(ctx, userID)
}

// PeerInConversation resolves the other participant for typing relays.
func (r *Registry) PeerInConversation(ctx context.Context, conversationID, userID string) (string, bool, error) {
	if r.peers == nil {
		return "", false, nil
	}
	return r.peers.PeerInConversation(ctx, conversationID, userID)
}

func copyConns(set map[string]*Conn) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}
