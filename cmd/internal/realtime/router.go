package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ripple/cmd/internal/metrics"
)

// Target selects the connections an event is delivered to.
type Target interface {
	target()
}

// UserTarget delivers to every connection of one user.
type UserTarget struct{ UserID string }

// TopicTarget delivers to the subscribers of one topic.
type TopicTarget struct{ Topic string }

// UserSetTarget delivers to the union of several users' connections.
type UserSetTarget struct{ UserIDs []string }

// BroadcastTarget delivers to every live connection.
type BroadcastTarget struct{}

func (UserTarget) target()      {}
func (TopicTarget) target()     {}
func (UserSetTarget) target()   {}
func (BroadcastTarget) target() {}

// Event is one routable notification: a wire payload plus its target.
type Event struct {
	Type    string
	Payload any
	Target  Target
}

// Router fans events out to connection queues. Domain code hands events to
// Publish and moves on; serialization, targeting, drops and stale-connection
// cleanup all happen on the router's own goroutine.
type Router struct {
	log      *slog.Logger
	registry *Registry
	intake   chan Event
}

// NewRouter constructs a Router over the given registry.
func NewRouter(log *slog.Logger, registry *Registry) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		registry: registry,
		intake:   make(chan Event, defaultIntakeQueue),
	}
}

// Publish enqueues an event for delivery and returns immediately. When the
// intake queue is saturated the event is counted and dropped; a caller is
// never made to wait on realtime delivery.
func (r *Router) Publish(ev Event) {
	if ev.Target == nil {
		return
	}
	select {
	case r.intake <- ev:
	default:
		metrics.EventsDiscarded.Inc()
		r.log.Warn("realtime.router.intake_full", slog.String("type", ev.Type))
	}
}

// AuthRevoked pushes a session-revocation notice to all of the user's
// connections. Satisfies the rotation engine's notifier port.
func (r *Router) AuthRevoked(userID, message string) {
	r.Publish(AuthRevokedEvent(userID, message))
}

// Run drains the intake queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.intake:
			r.dispatch(time.Now().UTC(), ev)
		}
	}
}

// dispatch serializes the event once and offers the same bytes to every
// target connection. Full queues drop and strike; dead connections are
// collected and detached after the pass.
func (r *Router) dispatch(now time.Time, ev Event) {
	frame, err := json.Marshal(ev.Payload)
	if err != nil {
		metrics.EventsDiscarded.Inc()
		r.log.Error("realtime.router.marshal_fail",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	var stale []*Conn
	for _, conn := range r.resolve(ev.Target) {
		switch conn.tryEnqueue(frame) {
		case enqueueOK:
			metrics.WSFramesSent.WithLabelValues(ev.Type).Inc()
		case enqueueClosed:
			stale = append(stale, conn)
		case enqueueFull:
			metrics.WSFramesDropped.WithLabelValues(ev.Type).Inc()
			if conn.strike(now, slowStrikeWindow, slowStrikeLimit) {
				metrics.WSSlowCloses.Inc()
				r.log.Warn("realtime.router.slow_close",
					slog.String("conn_id", conn.ID),
					slog.String("user_id", conn.UserID),
				)
				stale = append(stale, conn)
			}
		}
	}

	for _, conn := range stale {
		r.Disconnect(conn)
	}
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
}

func (r *Router) resolve(t Target) []*Conn {
	switch tt := t.(type) {
	case UserTarget:
		return r.registry.ConnectionsOf(tt.UserID)
	case TopicTarget:
		return r.registry.SubscribersOf(tt.Topic)
	case UserSetTarget:
		return r.registry.ConnectionsOfUsers(tt.UserIDs)
	case BroadcastTarget:
		return r.registry.AllConnections()
	default:
		return nil
	}
}

// Disconnect closes the connection, detaches it from the registry and, when
// this was the user's last connection, announces the offline transition to
// the user's conversation peers. Idempotent; every teardown path funnels
// through here so the offline announcement happens exactly once.
func (r *Router) Disconnect(conn *Conn) {
	if conn == nil {
		return
	}
	conn.Close()

	userID, removed, wentOffline := r.registry.Remove(conn.ID)
	if !removed || !wentOffline {
		return
	}
	r.announcePresence(userID, false)
}

// AnnouncePresence publishes a presence transition to an already-resolved
// peer set. The endpoint uses this for the online edge, where it has just
// computed the peers for the snapshot.
func (r *Router) AnnouncePresence(peerIDs []string, userID string, online bool, now time.Time) {
	if len(peerIDs) == 0 {
		return
	}
	r.Publish(PresenceChangedEvent(peerIDs, userID, online, now))
}

func (r *Router) announcePresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceLookupTimeout)
	defer cancel()

	peers, err := r.registry.PeerIDsForUser(ctx, userID)
	if err != nil {
		r.log.Warn("realtime.router.peer_lookup_fail",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.AnnouncePresence(peers, userID, online, time.Now().UTC())
}
