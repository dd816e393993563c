package realtime

import "time"

// Protocol limits. The frame cap is a hard security bound; a frame of
// exactly maxFrameBytes is accepted, one byte more ends the read with a
// message-too-big close.
const (
	maxFrameBytes = 1 << 20 // 1 MiB

	defaultSendQueue = 32

	pingInterval = 60 * time.Second
	pongTimeout  = 15 * time.Second

	writeTimeout = 5 * time.Second
	closeGrace   = time.Second
)

// Slow-consumer policy: dropped frames strike the connection; crossing the
// limit inside one window closes it so the client reconnects and takes a
// fresh snapshot.
const (
	slowStrikeLimit  = 8
	slowStrikeWindow = 10 * time.Second
)

// Inbound abuse bounds per connection (token bucket).
const (
	inboundRatePerSec = 12
	inboundBurst      = 24
)

// Router intake depth; Publish never blocks on a full queue.
const defaultIntakeQueue = 1024

// Bound on peer lookups done for presence announcements.
const presenceLookupTimeout = 3 * time.Second
