// Package main provides a CI-friendly smoke test for the ripple realtime
// fabric against a running server.
//
// It validates:
//   - websocket upgrade with query-parameter credentials
//   - handshake order: connected, then presence_snapshot
//   - online/offline presence edges between conversation peers
//   - ping -> pong
//   - new_message push on a direct message
//   - messages_read push on a read marker
//   - message_recalled push on a sender recall
//   - typing_indicator relay between participants
//   - new_post broadcast and post_liked topic fanout
//   - topic isolation: non-subscribers see no post_liked
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// serverFrame is the union of every frame shape the server sends. Flat
// handshake fields and the nested event "data" coexist; unused fields stay
// zero.
type serverFrame struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userId,omitempty"`
	PostID  string          `json:"postId,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan serverFrame
	errCh chan error
}

type account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of a running server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	alice := mustRegister(root, hc, *baseURL, "smoke-a-"+suffix, *timeout)
	bob := mustRegister(root, hc, *baseURL, "smoke-b-"+suffix, *timeout)
	if *verbose {
		fmt.Printf("registered: alice=%s bob=%s\n", alice.ID, bob.ID)
	}

	// A direct message before any socket opens makes the two accounts
	// conversation peers, so the snapshots below have content.
	convID, firstMsgID := mustSendDM(root, hc, *baseURL, bob.Token, alice.ID, "smoke: opening move", *timeout)
	if *verbose {
		fmt.Printf("conversation=%s first_message=%s\n", convID, firstMsgID)
	}

	a := mustConnect(root, "A", *baseURL, *origin, alice, *timeout)
	defer closeWS(a.conn)

	mustHandshake(root, a, *timeout, func(users []presenceUser) error {
		return expectPeer(users, bob.ID, false)
	})

	b := mustConnect(root, "B", *baseURL, *origin, bob, *timeout)
	mustHandshake(root, b, *timeout, func(users []presenceUser) error {
		return expectPeer(users, alice.ID, true)
	})

	// A sees B come online the moment B's first socket lands.
	mustPresenceEdge(root, a, bob.ID, true, *timeout)

	mustPingPong(root, a, *timeout)

	// DM: B -> A lands as a push on A's socket.
	_, msgID := mustSendDM(root, hc, *baseURL, bob.Token, alice.ID, "smoke: are you receiving?", *timeout)
	mustNewMessage(root, a, convID, msgID, "smoke: are you receiving?", *timeout)

	// Read marker: A catches up, B hears about it once.
	mustMarkRead(root, hc, *baseURL, alice.Token, convID, *timeout)
	mustMessagesRead(root, b, convID, alice.ID, *timeout)

	// Recall: B takes the second message back, A is told.
	mustRecall(root, hc, *baseURL, bob.Token, msgID, *timeout)
	mustMessageRecalled(root, a, convID, msgID, bob.ID, *timeout)

	// Typing relay: A types, only B hears it.
	mustWriteFrame(root, a.conn, map[string]string{"type": "typing", "conversationId": convID}, *timeout)
	mustTyping(root, b, convID, alice.ID, true, *timeout)

	// Feed: a post broadcasts to every live socket.
	postID := mustCreatePost(root, hc, *baseURL, alice.Token, "smoke: hello, everyone", *timeout)
	mustNewPost(root, a, postID, alice.ID, *timeout)
	mustNewPost(root, b, postID, alice.ID, *timeout)

	// Topic fanout: B subscribes and likes; the like reaches B's socket and
	// never A's, because A is not subscribed.
	mustWriteFrame(root, b.conn, map[string]string{"type": "subscribe_post", "postId": postID}, *timeout)
	mustSubscribed(root, b, postID, *timeout)

	mustLike(root, hc, *baseURL, bob.Token, postID, *timeout)
	mustPostLiked(root, b, postID, bob.ID, *timeout)
	mustAssertNoType(root, a, "post_liked", 1200*time.Millisecond)

	// Offline edge: closing B's only socket tells A exactly once.
	closeWS(b.conn)
	mustPresenceEdge(root, a, bob.ID, false, *timeout)

	fmt.Printf("OK: alice=%s bob=%s conv=%s post=%s\n", alice.ID, bob.ID, convID, postID)
}

// ---- URL validation ----

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsEndpoint(base, token string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return ws + "/v1/notifications/ws?token=" + url.QueryEscape(token)
}

// ---- HTTP steps ----

func mustRegister(parent context.Context, hc *http.Client, base, handle string, stepTimeout time.Duration) account {
	body := map[string]string{
		"email":       handle + "@smoke.example",
		"password":    "smoke-password-" + handle,
		"displayName": handle,
	}

	var acct account
	mustJSONCall(parent, hc, http.MethodPost, base+"/v1/auth/register", "", body, http.StatusCreated, &acct, stepTimeout)
	if acct.ID == "" || acct.Token == "" {
		fatalf("register %s: response missing id or token", handle)
	}
	return acct
}

func mustSendDM(parent context.Context, hc *http.Client, base, token, peerID, content string, stepTimeout time.Duration) (convID, msgID string) {
	var resp struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	mustJSONCall(parent, hc, http.MethodPost, base+"/v1/conversations/"+peerID+"/messages", token,
		map[string]string{"content": content}, http.StatusCreated, &resp, stepTimeout)
	if resp.ID == "" || resp.ConversationID == "" {
		fatalf("send dm: response missing ids")
	}
	return resp.ConversationID, resp.ID
}

func mustMarkRead(parent context.Context, hc *http.Client, base, token, convID string, stepTimeout time.Duration) {
	mustJSONCall(parent, hc, http.MethodPost, base+"/v1/conversations/"+convID+"/read", token, nil, http.StatusOK, nil, stepTimeout)
}

func mustRecall(parent context.Context, hc *http.Client, base, token, msgID string, stepTimeout time.Duration) {
	mustJSONCall(parent, hc, http.MethodDelete, base+"/v1/messages/"+msgID, token, nil, http.StatusNoContent, nil, stepTimeout)
}

func mustCreatePost(parent context.Context, hc *http.Client, base, token, content string, stepTimeout time.Duration) string {
	var resp struct {
		ID string `json:"id"`
	}
	mustJSONCall(parent, hc, http.MethodPost, base+"/v1/posts", token,
		map[string]string{"content": content}, http.StatusCreated, &resp, stepTimeout)
	if resp.ID == "" {
		fatalf("create post: response missing id")
	}
	return resp.ID
}

func mustLike(parent context.Context, hc *http.Client, base, token, postID string, stepTimeout time.Duration) {
	mustJSONCall(parent, hc, http.MethodPost, base+"/v1/posts/"+postID+"/like", token, nil, http.StatusOK, nil, stepTimeout)
}

func mustJSONCall(parent context.Context, hc *http.Client, method, u, token string, body any, wantStatus int, into any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		fatalf("build request %s %s: %v", method, u, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("%s %s: read body: %v", method, u, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, u, resp.StatusCode, wantStatus, strings.TrimSpace(string(data)))
	}
	if into != nil {
		if err := json.Unmarshal(data, into); err != nil {
			fatalf("%s %s: decode response: %v", method, u, err)
		}
	}
}

// ---- websocket steps ----

func mustConnect(parent context.Context, name, base, origin string, acct account, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsEndpoint(base, acct.Token), &websocket.DialOptions{
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: acct.ID,
		conn:   conn,
		inbox:  make(chan serverFrame, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var frame serverFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if strings.TrimSpace(frame.Type) == "" {
				select {
				case c.errCh <- errors.New("frame missing type"):
				default:
				}
				return
			}

			select {
			case c.inbox <- frame:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

type presenceUser struct {
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp"`
}

// mustHandshake consumes the fixed two-frame greeting: connected with the
// caller's own id, then a presence snapshot checked by verify.
func mustHandshake(parent context.Context, c *smokeClient, stepTimeout time.Duration, verify func([]presenceUser) error) {
	hello := c.mustReadUntilType(parent, "connected", stepTimeout, nil)
	if hello.UserID != c.userID {
		fatalf("connected userId mismatch (%s): got=%q want=%q", c.name, hello.UserID, c.userID)
	}

	snap := c.mustReadUntilType(parent, "presence_snapshot", stepTimeout, nil)
	var p struct {
		Users []presenceUser `json:"users"`
	}
	if err := json.Unmarshal(snap.Data, &p); err != nil {
		fatalf("unmarshal presence_snapshot (%s): %v", c.name, err)
	}
	if err := verify(p.Users); err != nil {
		fatalf("presence_snapshot (%s): %v", c.name, err)
	}
}

func expectPeer(users []presenceUser, userID string, online bool) error {
	for _, u := range users {
		if u.UserID == userID {
			if u.IsOnline != online {
				return fmt.Errorf("peer %s isOnline=%v want=%v", userID, u.IsOnline, online)
			}
			return nil
		}
	}
	return fmt.Errorf("peer %s missing from snapshot", userID)
}

func mustPresenceEdge(parent context.Context, c *smokeClient, userID string, online bool, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "user_presence_changed", stepTimeout, nil)
	var p presenceUser
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal user_presence_changed (%s): %v", c.name, err)
	}
	if p.UserID != userID || p.IsOnline != online {
		fatalf("presence edge mismatch (%s): got user=%s online=%v want user=%s online=%v",
			c.name, p.UserID, p.IsOnline, userID, online)
	}
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWriteFrame(parent, c.conn, map[string]string{"type": "ping"}, stepTimeout)
	c.mustReadUntilType(parent, "pong", stepTimeout, nil)
}

func mustNewMessage(parent context.Context, c *smokeClient, convID, msgID, content string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "new_message", stepTimeout, nil)
	var p struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		ContentPreview string `json:"contentPreview"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal new_message (%s): %v", c.name, err)
	}
	if p.MessageID != msgID || p.ConversationID != convID {
		fatalf("new_message ids mismatch (%s): msg=%s conv=%s", c.name, p.MessageID, p.ConversationID)
	}
	if p.ContentPreview != content {
		fatalf("new_message preview mismatch (%s): got=%q want=%q", c.name, p.ContentPreview, content)
	}
}

func mustMessagesRead(parent context.Context, c *smokeClient, convID, readerID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "messages_read", stepTimeout, nil)
	var p struct {
		ConversationID string `json:"conversationId"`
		ReadByUserID   string `json:"readByUserId"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal messages_read (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.ReadByUserID != readerID {
		fatalf("messages_read mismatch (%s): conv=%s reader=%s", c.name, p.ConversationID, p.ReadByUserID)
	}
}

func mustMessageRecalled(parent context.Context, c *smokeClient, convID, msgID, byUserID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "message_recalled", stepTimeout, nil)
	var p struct {
		MessageID        string `json:"messageId"`
		ConversationID   string `json:"conversationId"`
		RecalledByUserID string `json:"recalledByUserId"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal message_recalled (%s): %v", c.name, err)
	}
	if p.MessageID != msgID || p.ConversationID != convID || p.RecalledByUserID != byUserID {
		fatalf("message_recalled mismatch (%s): msg=%s conv=%s by=%s", c.name, p.MessageID, p.ConversationID, p.RecalledByUserID)
	}
}

func mustTyping(parent context.Context, c *smokeClient, convID, userID string, isTyping bool, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "typing_indicator", stepTimeout, nil)
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal typing_indicator (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.UserID != userID || p.IsTyping != isTyping {
		fatalf("typing_indicator mismatch (%s): conv=%s user=%s typing=%v", c.name, p.ConversationID, p.UserID, p.IsTyping)
	}
}

func mustNewPost(parent context.Context, c *smokeClient, postID, authorID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "new_post", stepTimeout, nil)
	var p struct {
		PostID   string `json:"postId"`
		AuthorID string `json:"authorId"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal new_post (%s): %v", c.name, err)
	}
	if p.PostID != postID || p.AuthorID != authorID {
		fatalf("new_post mismatch (%s): post=%s author=%s", c.name, p.PostID, p.AuthorID)
	}
}

func mustSubscribed(parent context.Context, c *smokeClient, postID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "subscribed", stepTimeout, nil)
	if frame.PostID != postID {
		fatalf("subscribed postId mismatch (%s): got=%q want=%q", c.name, frame.PostID, postID)
	}
}

func mustPostLiked(parent context.Context, c *smokeClient, postID, likerID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, "post_liked", stepTimeout, nil)
	var p struct {
		PostID        string `json:"postId"`
		LikedByUserID string `json:"likedByUserId"`
		NewLikeCount  int64  `json:"newLikeCount"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal post_liked (%s): %v", c.name, err)
	}
	if p.PostID != postID || p.LikedByUserID != likerID {
		fatalf("post_liked mismatch (%s): post=%s liker=%s", c.name, p.PostID, p.LikedByUserID)
	}
	if p.NewLikeCount < 1 {
		fatalf("post_liked count not bumped (%s): %d", c.name, p.NewLikeCount)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if frame.Type == "error" {
				fatalf("server error (%s): %s", c.name, frame.Message)
			}
			if frame.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) serverFrame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if frame.Type == wantType {
				return frame
			}
			if frame.Type == "error" {
				fatalf("server error while waiting for %q (%s): %s", wantType, c.name, frame.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[frame.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, frame.Type, wantType)
		}
	}
}

func mustWriteFrame(parent context.Context, conn *websocket.Conn, frame any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
