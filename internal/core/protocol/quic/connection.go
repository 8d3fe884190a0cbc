package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

const frameHeaderSize = 4

// Options bound a single connection.
type Options struct {
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  o.MaxIdleTimeout,
		KeepAlivePeriod: o.KeepAlivePeriod,
	}
}

// Connection is one QUIC connection carrying a single ordered stream.
type Connection struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	opts   Options
	closed int32

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64

	writeMu sync.Mutex
}

func newConnection(conn *quic.Conn, stream *quic.Stream, opts Options) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		conn:   conn,
		stream: stream,
		reader: bufio.NewReader(stream),
		opts:   opts,
	}
}

// Dial connects to a relay at host:port and opens the message stream.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (*Connection, error) {
	if tlsConf == nil {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsConf = ClientTLS(host)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial QUIC connection to %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, errors.Wrap(err, "failed to open QUIC stream")
	}
	return newConnection(conn, stream, opts), nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one length-prefixed frame.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	if c.opts.MaxMessageSize > 0 && int64(len(data)) > c.opts.MaxMessageSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", len(data))
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.stream.SetWriteDeadline(deadline)

	if _, err := c.stream.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}

	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(data)))
	return nil
}

// Receive reads the next frame. A cancelled ctx leaves the stream unusable.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if c.IsClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetReadDeadline(deadline)
	} else {
		_ = c.stream.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.readError(ctx, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if c.opts.MaxMessageSize > 0 && int64(size) > c.opts.MaxMessageSize {
		return nil, errors.Wrapf(protocol.ErrMessageTooLarge, "%d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, c.readError(ctx, err)
	}

	atomic.AddUint64(&c.messagesReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(size))
	return data, nil
}

func (c *Connection) readError(ctx context.Context, err error) error {
	if ctxErr := protocol.ContextError(ctx); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	return errors.Wrap(err, "failed to read frame")
}

func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
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
