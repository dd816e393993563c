package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"ripple/cmd/identity/ids"
	"ripple/cmd/internal/auth/session"
	"ripple/cmd/internal/metrics"
)

// statusAuthFailure is the application close code for a failed upgrade
// authentication, so browser clients can distinguish it from policy
// violations and trigger a token refresh.
const statusAuthFailure = websocket.StatusCode(4401)

// AccessVerifier is strong-mode credential verification for the upgrade
// request. Satisfied by the session service.
type AccessVerifier interface {
	VerifyAccess(now time.Time, raw string) (session.AccessClaims, error)
}

// GatewayConfig tunes the websocket endpoint. The zero value is unusable;
// start from DefaultGatewayConfig.
type GatewayConfig struct {
	// OriginRequired rejects upgrade requests without an Origin header.
	// Off by default: native clients send none.
	OriginRequired bool

	// AllowedOrigins is the Origin allowlist applied when a header is
	// present. Entries match full origin or host.
	AllowedOrigins []string

	// DevInsecure disables origin verification entirely. Dev only.
	DevInsecure bool

	SendQueue    int
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultGatewayConfig returns production defaults with a localhost
// allowlist for browser development.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: false,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		SendQueue:      defaultSendQueue,
		PingInterval:   pingInterval,
		PongTimeout:    pongTimeout,
		WriteTimeout:   writeTimeout,
	}
}

// Gateway is the realtime endpoint: it authenticates the upgrade, registers
// the connection, replays the presence snapshot and runs the reader/writer
// pair until either side goes away.
type Gateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	verify   AccessVerifier
	registry *Registry
	router   *Router

	// Derived for websocket.Accept: cross-origin handshakes require host
	// patterns that agree with the allowlist above.
	originPatterns []string
}

// NewGateway wires the endpoint. All collaborators are required.
func NewGateway(log *slog.Logger, cfg GatewayConfig, verify AccessVerifier, registry *Registry, router *Router) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = pongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeTimeout
	}

	return &Gateway{
		log:            log,
		cfg:            cfg,
		verify:         verify,
		registry:       registry,
		router:         router,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("realtime.ws.reject_origin",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Info("realtime.ws.accept_fail", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	now := time.Now().UTC()

	claims, err := g.authenticate(r, now)
	if err != nil {
		g.log.Info("realtime.ws.reject_credential", slog.String("remote", r.RemoteAddr))
		_ = ws.Close(statusAuthFailure, "invalid credential")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(now)
	if err != nil {
		g.log.Error("realtime.ws.conn_id_fail", slog.String("error", err.Error()))
		_ = ws.Close(websocket.StatusInternalError, "id generation failed")
		return
	}
	conn := NewConn(connID, claims.UserID, g.cfg.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Every exit path funnels through here exactly once. Disconnect does
	// registry removal and the offline presence edge; the raw socket close
	// and context cancellation ride along.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.router.Disconnect(conn)
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	wentOnline := g.registry.Add(conn)
	g.log.Info("realtime.ws.open",
		slog.String("conn_id", conn.ID),
		slog.String("user_id", conn.UserID),
		slog.Bool("went_online", wentOnline),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case frame := <-conn.Outbox():
				if err := g.writeFrame(ctx, ws, frame); err != nil {
					g.log.Info("realtime.ws.write_fail",
						slog.String("conn_id", conn.ID),
						slog.String("error", err.Error()),
					)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PongTimeout)
				err := ws.Ping(pingCtx)
				pingCancel()
				if err != nil {
					g.log.Info("realtime.ws.heartbeat_fail",
						slog.String("conn_id", conn.ID),
						slog.String("error", err.Error()),
					)
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	// Handshake frames, in order: connected, then the presence snapshot
	// (always, even when empty), then the online edge to peers when this is
	// the user's first connection.
	if !g.send(conn, FrameConnected, connectedFrame{Type: FrameConnected, UserID: claims.UserID}) {
		shutdown(websocket.StatusAbnormalClosure, "handshake enqueue failed")
		<-writerDone
		return
	}

	peers, snapshot := g.presenceSnapshot(ctx, claims.UserID, now)
	if !g.send(conn, FramePresenceSnapshot, eventFrame{Type: FramePresenceSnapshot, Data: snapshot}) {
		shutdown(websocket.StatusAbnormalClosure, "handshake enqueue failed")
		<-writerDone
		return
	}

	if wentOnline {
		g.router.AnnouncePresence(peers, claims.UserID, true, now)
	}

	limiter := rate.NewLimiter(rate.Limit(inboundRatePerSec), inboundBurst)

readLoop:
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("realtime.ws.read_fail",
					slog.String("conn_id", conn.ID),
					slog.String("error", err.Error()),
				)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !limiter.Allow() {
			g.sendError(conn, "rate limit exceeded")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.log.Debug("realtime.ws.malformed_frame",
				slog.String("conn_id", conn.ID),
				slog.String("error", err.Error()),
			)
			g.sendError(conn, "malformed frame")
			continue
		}

		g.handleFrame(ctx, conn, frame, time.Now().UTC())
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	g.log.Info("realtime.ws.closed",
		slog.String("conn_id", conn.ID),
		slog.String("user_id", conn.UserID),
	)
}

// ---- inbound dispatch ----

func (g *Gateway) handleFrame(ctx context.Context, conn *Conn, frame clientFrame, now time.Time) {
	switch frame.Type {
	case ClientPing:
		g.send(conn, FramePong, pongFrame{Type: FramePong})

	case ClientSubscribePost:
		postID := strings.TrimSpace(frame.PostID)
		if postID == "" {
			g.rejectFrame(conn, frame.Type, "missing postId")
			return
		}
		g.registry.Subscribe(conn, PostTopic(postID))
		g.send(conn, FrameSubscribed, subscriptionFrame{Type: FrameSubscribed, PostID: postID})

	case ClientUnsubscribePost:
		postID := strings.TrimSpace(frame.PostID)
		if postID == "" {
			g.rejectFrame(conn, frame.Type, "missing postId")
			return
		}
		g.registry.Unsubscribe(conn, PostTopic(postID))
		g.send(conn, FrameUnsubscribed, subscriptionFrame{Type: FrameUnsubscribed, PostID: postID})

	case ClientTyping, ClientStopTyping:
		g.relayTyping(ctx, conn, frame, now)

	default:
		g.log.Debug("realtime.ws.unknown_frame",
			slog.String("conn_id", conn.ID),
			slog.String("type", frame.Type),
		)
		g.sendError(conn, "unknown frame type")
	}
}

// relayTyping forwards a typing edge to the conversation's other
// participant. Only participants may relay; everything else is rejected
// without closing the connection.
func (g *Gateway) relayTyping(ctx context.Context, conn *Conn, frame clientFrame, now time.Time) {
	convID := strings.TrimSpace(frame.ConversationID)
	if convID == "" {
		g.rejectFrame(conn, frame.Type, "missing conversationId")
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, presenceLookupTimeout)
	defer cancel()

	peerID, ok, err := g.registry.PeerInConversation(lookupCtx, convID, conn.UserID)
	if err != nil {
		g.log.Warn("realtime.ws.conversation_lookup_fail",
			slog.String("conn_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		g.rejectFrame(conn, frame.Type, "not a conversation participant")
		return
	}

	g.router.Publish(TypingIndicatorEvent(peerID, convID, conn.UserID, frame.Type == ClientTyping, now))
}

// ---- outbound helpers ----

// send serializes and enqueues one frame for this connection's writer.
func (g *Gateway) send(conn *Conn, frameType string, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("realtime.ws.marshal_fail",
			slog.String("type", frameType),
			slog.String("error", err.Error()),
		)
		return false
	}
	switch conn.tryEnqueue(b) {
	case enqueueOK:
		metrics.WSFramesSent.WithLabelValues(frameType).Inc()
		return true
	case enqueueFull:
		metrics.WSFramesDropped.WithLabelValues(frameType).Inc()
		return false
	default:
		return false
	}
}

func (g *Gateway) sendError(conn *Conn, message string) {
	g.send(conn, FrameError, errorFrame{Type: FrameError, Message: message})
}

func (g *Gateway) rejectFrame(conn *Conn, frameType, reason string) {
	g.log.Debug("realtime.ws.reject_frame",
		slog.String("conn_id", conn.ID),
		slog.String("type", frameType),
		slog.String("reason", reason),
	)
	g.sendError(conn, reason)
}

func (g *Gateway) writeFrame(parent context.Context, ws *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

// presenceSnapshot resolves the user's conversation peers and their current
// presence. Lookup failures degrade to an empty snapshot; the frame itself
// is never skipped.
func (g *Gateway) presenceSnapshot(ctx context.Context, userID string, now time.Time) ([]string, presenceSnapshotData) {
	lookupCtx, cancel := context.WithTimeout(ctx, presenceLookupTimeout)
	defer cancel()

	peerIDs, err := g.registry.PeerIDsForUser(lookupCtx, userID)
	if err != nil {
		g.log.Warn("realtime.ws.peer_lookup_fail",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		peerIDs = nil
	}

	ts := now.UnixMilli()
	users := make([]PresenceUser, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		users = append(users, PresenceUser{
			UserID:    peerID,
			IsOnline:  g.registry.IsUserOnline(peerID),
			Timestamp: ts,
		})
	}
	return peerIDs, presenceSnapshotData{Users: users}
}

// ---- upgrade auth ----

func (g *Gateway) authenticate(r *http.Request, now time.Time) (session.AccessClaims, error) {
	raw := upgradeCredential(r)
	if raw == "" {
		return session.AccessClaims{}, session.ErrInvalidCredential
	}
	return g.verify.VerifyAccess(now, raw)
}

// upgradeCredential pulls the access credential from the Authorization
// header, falling back to the token query parameter because the browser
// WebSocket API cannot set headers.
func upgradeCredential(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	if g.cfg.DevInsecure {
		return nil
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	originHost := originHostOnly(origin)
	for _, allowed := range g.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return nil
		}
		if origin == allowed {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(allowed) {
			return nil
		}
	}
	return errors.New("origin not allowed")
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns extracts the host patterns websocket.Accept needs to
// authorize cross-origin handshakes from the allowlist.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
