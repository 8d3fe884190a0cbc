package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// streamAcceptTimeout bounds how long a fresh connection may take to open its
// message stream.
const streamAcceptTimeout = 10 * time.Second

// Listener accepts QUIC connections and hands them out once the peer has
// opened its message stream.
type Listener struct {
	listener *quic.Listener
	opts     Options
	logger   log.Log

	ready  chan *Connection
	done   chan struct{}
	closed int32
	wg     sync.WaitGroup
}

// Listen starts a QUIC listener on addr. A nil tlsConf generates a
// self-signed certificate.
func Listen(addr string, tlsConf *tls.Config, opts Options, logger log.Log) (*Listener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = GenerateSelfSignedTLS(); err != nil {
			return nil, errors.Wrap(err, "failed to generate TLS certificate")
		}
	}

	ln, err := quic.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	l := &Listener{
		listener: ln,
		opts:     opts,
		logger:   logger.With(log.String("component", "quic_listener")),
		ready:    make(chan *Connection, 16),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("QUIC listener created", log.String("addr", ln.Addr().String()))
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept(context.Background())
		if err != nil {
			if atomic.LoadInt32(&l.closed) == 0 {
				l.logger.Error("Failed to accept QUIC connection", log.Error(err))
			}
			return
		}

		l.wg.Add(1)
		go l.awaitStream(conn)
	}
}

func (l *Listener) awaitStream(conn *quic.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), streamAcceptTimeout)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("QUIC connection opened no stream",
			log.String("remote_addr", conn.RemoteAddr().String()),
			log.Error(err))
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	c := newConnection(conn, stream, l.opts)
	select {
	case l.ready <- c:
	case <-l.done:
		_ = c.Close()
	}
}

// Accept returns the next connection whose stream is open.
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		return nil, protocol.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	err := l.listener.Close()
	l.wg.Wait()
	return err
}
