package protocol

import (
	"context"
	"net"
	"time"
)

// Connection is a reliable, ordered, message-framed link. Send may be called
// concurrently; Receive must be driven by a single goroutine.
type Connection interface {
	ID() string
	RemoteAddr() net.Addr

	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)

	Close() error
	IsClosed() bool
	Stats() ConnectionStats
}

// Listener accepts inbound connections for a relay.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}

// ConnectionStats are per-connection transfer counters.
type ConnectionStats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// ContextError reports why ctx ended, including a deadline that has passed but
// whose timer has not fired yet. It returns nil while ctx is live.
func ContextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}
