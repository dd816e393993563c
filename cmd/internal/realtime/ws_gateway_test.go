package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"ripple/cmd/identity"
	"ripple/cmd/internal/auth/session"
)

type gatewayHarness struct {
	ts     *httptest.Server
	reg    *Registry
	router *Router
	svc    *session.Service
	users  *identity.MemoryStore
}

func newGatewayHarness(t *testing.T, dir ConversationDirectory) *gatewayHarness {
	t.Helper()

	log := testLogger()

	cfg := session.DefaultConfig()
	cfg.SigningSecret = strings.Repeat("s", 32)
	cfg.RefreshHashKey = strings.Repeat("h", 32)

	users := identity.NewMemoryStore()
	reg := NewRegistry(log, dir)
	router := NewRouter(log, reg)

	svc, err := session.NewService(cfg, log, session.NewMemoryStore(), users, router)
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}

	gw := NewGateway(log, DefaultGatewayConfig(), svc, reg, router)

	mux := http.NewServeMux()
	mux.Handle("/v1/notifications/ws", gw)
	ts := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = router.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &gatewayHarness{ts: ts, reg: reg, router: router, svc: svc, users: users}
}

// testUserID builds a fixed 26-char id from a short tag so tests can know
// user ids before the harness mints any users.
func testUserID(tag string) string {
	tag = strings.ToUpper(tag)
	return "01J" + strings.Repeat("0", 23-len(tag)) + tag
}

func (h *gatewayHarness) seedUser(t *testing.T, tag, email, username string) (identity.User, string) {
	t.Helper()

	now := time.Now().UTC()
	user, err := h.users.Create(context.Background(), identity.CreateUserInput{
		ID:           testUserID(tag),
		Email:        email,
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		Now:          now,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	pair, err := h.svc.IssueSession(context.Background(), now, user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return user, pair.AccessToken
}

func dialGateway(t *testing.T, h *gatewayHarness, token, origin string, viaQuery bool) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(h.ts.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/v1/notifications/ws"

	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	if token != "" {
		if viaQuery {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		} else {
			hdr.Set("Authorization", "Bearer "+token)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: hdr})
}

func mustDial(t *testing.T, h *gatewayHarness, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialGateway(t, h, token, "", false)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// serverFrame is the superset decode shape for everything the endpoint
// writes; unused fields stay zero.
type serverFrame struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userId"`
	PostID  string          `json:"postId"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var f serverFrame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("decode frame %q: %v", b, err)
	}
	return f
}

func readUntilFrame(t *testing.T, conn *websocket.Conn, typ string, maxReads int) serverFrame {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		f := readFrame(t, conn)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("did not receive frame type %q", typ)
	return serverFrame{}
}

func writeRaw(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func writeClientFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	writeRaw(t, conn, b)
}

func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close %d, got frame %q", want, b)
	}
	if got := websocket.CloseStatus(err); got != want {
		t.Fatalf("expected close status %d, got %d (err=%v)", want, got, err)
	}
}

type snapshotUsers struct {
	Users []PresenceUser `json:"users"`
}

func assertPresenceEdge(t *testing.T, f serverFrame, userID string, online bool) {
	t.Helper()
	var d presenceChangedData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode presence data: %v", err)
	}
	if d.UserID != userID || d.IsOnline != online {
		t.Fatalf("expected presence %s online=%v, got %+v", userID, online, d)
	}
	if d.Timestamp <= 0 {
		t.Fatalf("presence timestamp missing: %+v", d)
	}
}

func TestGatewayRejectsMissingCredential(t *testing.T) {
	h := newGatewayHarness(t, nil)

	conn, resp, err := dialGateway(t, h, "", "", false)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	expectClose(t, conn, statusAuthFailure)
}

func TestGatewayRejectsInvalidCredential(t *testing.T) {
	h := newGatewayHarness(t, nil)

	conn, resp, err := dialGateway(t, h, "not-a-real-token", "", false)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	expectClose(t, conn, statusAuthFailure)
}

func TestGatewayHandshakeFrameOrder(t *testing.T) {
	aliceID, bobID := testUserID("A1"), testUserID("B1")
	dir := &stubDirectory{peers: map[string][]string{aliceID: {bobID}, bobID: {aliceID}}}
	h := newGatewayHarness(t, dir)

	alice, token := h.seedUser(t, "A1", "alice@example.com", "alice")
	_, _ = h.seedUser(t, "B1", "bob@example.com", "bob")

	conn := mustDial(t, h, token)
	defer func() { _ = conn.CloseNow() }()

	f := readFrame(t, conn)
	if f.Type != FrameConnected {
		t.Fatalf("expected connected first, got %q", f.Type)
	}
	if f.UserID != alice.ID {
		t.Fatalf("connected for wrong user: %q", f.UserID)
	}

	f = readFrame(t, conn)
	if f.Type != FramePresenceSnapshot {
		t.Fatalf("expected presence_snapshot second, got %q", f.Type)
	}
	var snap snapshotUsers
	if err := json.Unmarshal(f.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Users) != 1 || snap.Users[0].UserID != bobID || snap.Users[0].IsOnline {
		t.Fatalf("expected offline peer %s in snapshot, got %+v", bobID, snap.Users)
	}
}

func TestGatewayQueryCredentialAndEmptySnapshot(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, token := h.seedUser(t, "A2", "alice2@example.com", "alice2")

	conn, resp, err := dialGateway(t, h, token, "", true)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	f := readFrame(t, conn)
	if f.Type != FrameConnected || f.UserID != alice.ID {
		t.Fatalf("expected connected for %s, got %+v", alice.ID, f)
	}

	f = readFrame(t, conn)
	if f.Type != FramePresenceSnapshot {
		t.Fatalf("expected presence_snapshot, got %q", f.Type)
	}
	if string(f.Data) != `{"users":[]}` {
		t.Fatalf("expected empty snapshot, got %s", f.Data)
	}
}

func TestGatewayPresenceLifecycle(t *testing.T) {
	aliceID, bobID := testUserID("A3"), testUserID("B3")
	dir := &stubDirectory{peers: map[string][]string{aliceID: {bobID}, bobID: {aliceID}}}
	h := newGatewayHarness(t, dir)

	_, tokenA := h.seedUser(t, "A3", "alice3@example.com", "alice3")
	_, tokenB := h.seedUser(t, "B3", "bob3@example.com", "bob3")

	connA := mustDial(t, h, tokenA)
	defer func() { _ = connA.CloseNow() }()
	readUntilFrame(t, connA, FramePresenceSnapshot, 2)

	// Peer's first connection: snapshot shows alice online, alice hears the edge.
	connB1 := mustDial(t, h, tokenB)
	defer func() { _ = connB1.CloseNow() }()
	snapFrame := readUntilFrame(t, connB1, FramePresenceSnapshot, 2)
	var snap snapshotUsers
	if err := json.Unmarshal(snapFrame.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Users) != 1 || snap.Users[0].UserID != aliceID || !snap.Users[0].IsOnline {
		t.Fatalf("expected online alice in bob's snapshot, got %+v", snap.Users)
	}
	assertPresenceEdge(t, readUntilFrame(t, connA, FramePresenceChanged, 2), bobID, true)

	// Second connection of the same user announces nothing: the very next
	// frame alice sees must be the sentinel broadcast, not presence.
	connB2 := mustDial(t, h, tokenB)
	defer func() { _ = connB2.CloseNow() }()
	readUntilFrame(t, connB2, FramePresenceSnapshot, 2)

	h.router.Publish(NewPostEvent(NewPostData{PostID: "sentinel-1"}))
	if f := readFrame(t, connA); f.Type != FrameNewPost {
		t.Fatalf("expected sentinel broadcast, got %q", f.Type)
	}

	// Dropping the extra connection keeps the user online: still quiet.
	_ = connB2.Close(websocket.StatusNormalClosure, "bye")
	h.router.Publish(NewPostEvent(NewPostData{PostID: "sentinel-2"}))
	if f := readFrame(t, connA); f.Type != FrameNewPost {
		t.Fatalf("expected second sentinel, got %q", f.Type)
	}

	// Last connection gone: peers hear the offline edge exactly once.
	_ = connB1.Close(websocket.StatusNormalClosure, "bye")
	assertPresenceEdge(t, readUntilFrame(t, connA, FramePresenceChanged, 3), bobID, false)
}

func TestGatewaySubscriptionRoundTrip(t *testing.T) {
	h := newGatewayHarness(t, nil)
	_, token := h.seedUser(t, "A4", "alice4@example.com", "alice4")

	conn := mustDial(t, h, token)
	defer func() { _ = conn.CloseNow() }()
	readUntilFrame(t, conn, FramePresenceSnapshot, 2)

	writeClientFrame(t, conn, map[string]string{"type": ClientSubscribePost, "postId": "p1"})
	ack := readFrame(t, conn)
	if ack.Type != FrameSubscribed || ack.PostID != "p1" {
		t.Fatalf("expected subscribed ack for p1, got %+v", ack)
	}

	h.router.Publish(PostLikedEvent(PostLikedData{PostID: "p1", LikedByUserID: "someone", NewLikeCount: 1}))
	liked := readUntilFrame(t, conn, FramePostLiked, 2)
	var d PostLikedData
	if err := json.Unmarshal(liked.Data, &d); err != nil {
		t.Fatalf("decode post_liked: %v", err)
	}
	if d.PostID != "p1" || d.NewLikeCount != 1 {
		t.Fatalf("unexpected like payload: %+v", d)
	}

	writeClientFrame(t, conn, map[string]string{"type": ClientUnsubscribePost, "postId": "p1"})
	ack = readFrame(t, conn)
	if ack.Type != FrameUnsubscribed || ack.PostID != "p1" {
		t.Fatalf("expected unsubscribed ack for p1, got %+v", ack)
	}

	// Published after the ack, so the subscription is already gone; the
	// pong arriving next proves the like never reached us.
	h.router.Publish(PostLikedEvent(PostLikedData{PostID: "p1", NewLikeCount: 2}))
	writeClientFrame(t, conn, map[string]string{"type": ClientPing})
	if f := readFrame(t, conn); f.Type != FramePong {
		t.Fatalf("expected pong, got %q", f.Type)
	}
}

func TestGatewayTypingRelay(t *testing.T) {
	aliceID, bobID := testUserID("A5"), testUserID("B5")
	dir := &stubDirectory{
		peers: map[string][]string{},
		convs: map[string]map[string]string{
			"conv1": {aliceID: bobID, bobID: aliceID},
		},
	}
	h := newGatewayHarness(t, dir)

	_, tokenA := h.seedUser(t, "A5", "alice5@example.com", "alice5")
	_, tokenB := h.seedUser(t, "B5", "bob5@example.com", "bob5")
	_, tokenM := h.seedUser(t, "M5", "mallory5@example.com", "mallory5")

	connA := mustDial(t, h, tokenA)
	defer func() { _ = connA.CloseNow() }()
	readUntilFrame(t, connA, FramePresenceSnapshot, 2)

	connB := mustDial(t, h, tokenB)
	defer func() { _ = connB.CloseNow() }()
	readUntilFrame(t, connB, FramePresenceSnapshot, 2)

	connM := mustDial(t, h, tokenM)
	defer func() { _ = connM.CloseNow() }()
	readUntilFrame(t, connM, FramePresenceSnapshot, 2)

	writeClientFrame(t, connA, map[string]string{"type": ClientTyping, "conversationId": "conv1"})
	f := readUntilFrame(t, connB, FrameTyping, 2)
	var d typingIndicatorData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode typing data: %v", err)
	}
	if d.ConversationID != "conv1" || d.UserID != aliceID || !d.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", d)
	}

	writeClientFrame(t, connA, map[string]string{"type": ClientStopTyping, "conversationId": "conv1"})
	f = readUntilFrame(t, connB, FrameTyping, 2)
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode typing data: %v", err)
	}
	if d.IsTyping {
		t.Fatalf("expected stop edge, got %+v", d)
	}

	// A non-participant is rejected with an error frame and stays connected.
	writeClientFrame(t, connM, map[string]string{"type": ClientTyping, "conversationId": "conv1"})
	if f := readFrame(t, connM); f.Type != FrameError {
		t.Fatalf("expected error frame for outsider, got %q", f.Type)
	}
	writeClientFrame(t, connM, map[string]string{"type": ClientPing})
	if f := readFrame(t, connM); f.Type != FramePong {
		t.Fatalf("outsider connection should survive the rejection, got %q", f.Type)
	}
}

func TestGatewayUnknownAndMalformedFrames(t *testing.T) {
	h := newGatewayHarness(t, nil)
	_, token := h.seedUser(t, "A6", "alice6@example.com", "alice6")

	conn := mustDial(t, h, token)
	defer func() { _ = conn.CloseNow() }()
	readUntilFrame(t, conn, FramePresenceSnapshot, 2)

	writeRaw(t, conn, []byte(`{"broken`))
	if f := readFrame(t, conn); f.Type != FrameError {
		t.Fatalf("expected error frame for malformed json, got %q", f.Type)
	}

	writeClientFrame(t, conn, map[string]string{"type": "self_destruct"})
	if f := readFrame(t, conn); f.Type != FrameError {
		t.Fatalf("expected error frame for unknown type, got %q", f.Type)
	}

	writeClientFrame(t, conn, map[string]string{"type": ClientSubscribePost})
	if f := readFrame(t, conn); f.Type != FrameError {
		t.Fatalf("expected error frame for missing postId, got %q", f.Type)
	}

	// None of the above may cost us the connection.
	writeClientFrame(t, conn, map[string]string{"type": ClientPing})
	if f := readFrame(t, conn); f.Type != FramePong {
		t.Fatalf("expected pong, got %q", f.Type)
	}
}

func TestGatewayReadLimitBoundary(t *testing.T) {
	h := newGatewayHarness(t, nil)

	t.Run("frame at the limit is processed", func(t *testing.T) {
		_, token := h.seedUser(t, "A7", "alice7@example.com", "alice7")
		conn := mustDial(t, h, token)
		defer func() { _ = conn.CloseNow() }()
		readUntilFrame(t, conn, FramePresenceSnapshot, 2)

		writeRaw(t, conn, bytes.Repeat([]byte("x"), maxFrameBytes))
		if f := readFrame(t, conn); f.Type != FrameError {
			t.Fatalf("expected malformed-frame error, got %q", f.Type)
		}
	})

	t.Run("one byte over closes the connection", func(t *testing.T) {
		_, token := h.seedUser(t, "B7", "bob7@example.com", "bob7")
		conn := mustDial(t, h, token)
		defer func() { _ = conn.CloseNow() }()
		readUntilFrame(t, conn, FramePresenceSnapshot, 2)

		writeRaw(t, conn, bytes.Repeat([]byte("x"), maxFrameBytes+1))
		expectClose(t, conn, websocket.StatusMessageTooBig)
	})
}

func TestGatewayOriginPolicy(t *testing.T) {
	h := newGatewayHarness(t, nil)
	_, token := h.seedUser(t, "A8", "alice8@example.com", "alice8")

	t.Run("disallowed origin rejected before upgrade", func(t *testing.T) {
		conn, resp, err := dialGateway(t, h, token, "http://evil.example", false)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			_ = conn.CloseNow()
			t.Fatalf("expected handshake rejection")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("expected 403, got %d (err=%v)", status, err)
		}
	})

	t.Run("allowed origin connects", func(t *testing.T) {
		conn, resp, err := dialGateway(t, h, token, "http://localhost", false)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer func() { _ = conn.CloseNow() }()

		if f := readFrame(t, conn); f.Type != FrameConnected {
			t.Fatalf("expected connected, got %q", f.Type)
		}
	})
}

func TestGatewayAuthRevokedPush(t *testing.T) {
	h := newGatewayHarness(t, nil)
	alice, token := h.seedUser(t, "A9", "alice9@example.com", "alice9")

	conn := mustDial(t, h, token)
	defer func() { _ = conn.CloseNow() }()
	readUntilFrame(t, conn, FramePresenceSnapshot, 2)

	const notice = "Your password was changed. Please sign in again."
	n, err := h.svc.RevokeAllForUser(context.Background(), time.Now().UTC(), alice.ID, session.ReasonPasswordChanged, notice)
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one revoked session")
	}

	f := readUntilFrame(t, conn, FrameAuthRevoked, 2)
	if f.Message != notice {
		t.Fatalf("expected revocation notice %q, got %q", notice, f.Message)
	}
}

func TestGatewayInboundRateLimit(t *testing.T) {
	h := newGatewayHarness(t, nil)
	_, token := h.seedUser(t, "A0", "alice0@example.com", "alice0")

	conn := mustDial(t, h, token)
	defer func() { _ = conn.CloseNow() }()
	readUntilFrame(t, conn, FramePresenceSnapshot, 2)

	ping, err := json.Marshal(map[string]string{"type": ClientPing})
	if err != nil {
		t.Fatalf("marshal ping: %v", err)
	}
	for i := 0; i < inboundBurst+6; i++ {
		writeRaw(t, conn, ping)
	}

	// The flood yields pongs, possibly a best-effort error frame, and then
	// a policy-violation close.
	for i := 0; i < inboundBurst+10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("expected policy-violation close, got %d (err=%v)", got, err)
			}
			return
		}
		var f serverFrame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame %q: %v", b, err)
		}
		if f.Type != FramePong && f.Type != FrameError {
			t.Fatalf("unexpected frame during flood: %q", f.Type)
		}
	}
	t.Fatalf("rate limit never tripped")
}
