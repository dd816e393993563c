package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnEnqueueBounds(t *testing.T) {
	conn := NewConn("c1", "u1", 2)

	require.Equal(t, enqueueOK, conn.tryEnqueue([]byte("a")))
	require.Equal(t, enqueueOK, conn.tryEnqueue([]byte("b")))
	require.Equal(t, enqueueFull, conn.tryEnqueue([]byte("c")))

	// Draining one slot makes room again.
	require.Equal(t, "a", string(<-conn.Outbox()))
	require.Equal(t, enqueueOK, conn.tryEnqueue([]byte("d")))
}

func TestConnDefaultQueueSize(t *testing.T) {
	conn := NewConn("c1", "u1", 0)
	assert.Equal(t, defaultSendQueue, cap(conn.send))
}

func TestConnCloseIdempotent(t *testing.T) {
	conn := NewConn("c1", "u1", 1)
	conn.Close()
	conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatal("done should be closed after Close")
	}

	assert.Equal(t, enqueueClosed, conn.tryEnqueue([]byte("a")))
}

func TestConnNilSafety(t *testing.T) {
	var conn *Conn
	conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatal("nil conn Done should read as closed")
	}
}

func TestConnStrikeWindow(t *testing.T) {
	conn := NewConn("c1", "u1", 1)
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i := 0; i < slowStrikeLimit-1; i++ {
		assert.False(t, conn.strike(base, slowStrikeWindow, slowStrikeLimit), "strike %d should stay under the limit", i+1)
	}
	assert.True(t, conn.strike(base, slowStrikeWindow, slowStrikeLimit))

	// A fresh window starts the count over.
	later := base.Add(slowStrikeWindow + time.Millisecond)
	assert.False(t, conn.strike(later, slowStrikeWindow, slowStrikeLimit))
}

func TestConnStrikeInsideWindowAccumulates(t *testing.T) {
	conn := NewConn("c1", "u1", 1)
	base := time.UnixMilli(1_700_000_000_000).UTC()

	assert.False(t, conn.strike(base, slowStrikeWindow, slowStrikeLimit))
	for i := 0; i < slowStrikeLimit-2; i++ {
		conn.strike(base.Add(time.Duration(i)*time.Second), slowStrikeWindow, slowStrikeLimit)
	}
	// Last strike lands just before the window rolls over.
	assert.True(t, conn.strike(base.Add(slowStrikeWindow), slowStrikeWindow, slowStrikeLimit))
}
