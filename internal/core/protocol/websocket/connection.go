// Package websocket carries warpsync envelopes over binary WebSocket frames.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Options bound a single connection.
type Options struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
}

// Connection represents one WebSocket peer link.
type Connection struct {
	id     string
	conn   *websocket.Conn
	opts   Options
	closed int32

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return &Connection{
		id:   uuid.NewString(),
		conn: conn,
		opts: opts,
	}
}

// Dial opens a client connection to a ws:// or wss:// url.
func Dial(ctx context.Context, url string, opts Options) (*Connection, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewConnection(conn, opts), nil
}

// Upgrader turns relay HTTP requests into connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
}

func NewUpgrader(opts Options) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts: opts,
	}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade connection")
	}
	return NewConnection(conn, u.opts), nil
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one binary frame.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	if c.opts.MaxMessageSize > 0 && int64(len(data)) > c.opts.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(c.writeDeadline(ctx))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(data)))
	return nil
}

// Receive blocks for the next binary frame or until ctx is done. A cancelled
// ctx leaves the connection unusable.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if c.IsClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := protocol.ContextError(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			if c.IsClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, protocol.ErrConnectionClosed
			}
			return nil, errors.Wrap(err, "failed to read message")
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		atomic.AddUint64(&c.messagesReceived, 1)
		atomic.AddUint64(&c.bytesReceived, uint64(len(data)))
		return data, nil
	}
}

// Close sends a close frame and releases the socket.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Connection) Stats() protocol.ConnectionStats {
	return protocol.ConnectionStats{
		MessagesSent:     atomic.LoadUint64(&c.messagesSent),
		MessagesReceived: atomic.LoadUint64(&c.messagesReceived),
		BytesSent:        atomic.LoadUint64(&c.bytesSent),
		BytesReceived:    atomic.LoadUint64(&c.bytesReceived),
	}
}

func (c *Connection) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
