package realtime

import (
	"sync"
	"time"
)

// Conn is the registry's view of one websocket connection: an identity pair
// and a bounded queue of pre-serialized frames.
//
// Design notes:
//   - send is never closed; the writer goroutine exits via done instead, so
//     concurrent enqueuers can never hit a closed channel.
//   - Close is idempotent and only signals; resource teardown belongs to the
//     endpoint's shutdown path.
type Conn struct {
	ID     string
	UserID string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	strikes     int
	strikeReset time.Time
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id, userID string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &Conn{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Outbox is the writer goroutine's receive side.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close signals shutdown (idempotent). send stays open.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

type enqueueResult uint8

const (
	enqueueOK enqueueResult = iota
	enqueueFull
	enqueueClosed
)

// tryEnqueue offers a frame without ever blocking.
func (c *Conn) tryEnqueue(frame []byte) enqueueResult {
	select {
	case <-c.done:
		return enqueueClosed
	default:
	}

	select {
	case c.send <- frame:
		return enqueueOK
	case <-c.done:
		return enqueueClosed
	default:
		return enqueueFull
	}
}

// strike records one overflow and reports whether the connection crossed
// the slow-consumer threshold inside the current window.
func (c *Conn) strike(now time.Time, window time.Duration, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.After(c.strikeReset) {
		c.strikes = 0
		c.strikeReset = now.Add(window)
	}
	c.strikes++
	return c.strikes >= limit
}
