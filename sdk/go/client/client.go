// Package client is the peer side of a warpsync session: it connects to a
// relay over WebSocket or QUIC, introduces the peer, keeps a latency estimate
// and dispatches inbound envelopes to registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
	"github.com/zeusync/warpsync/internal/core/protocol/quic"
	"github.com/zeusync/warpsync/internal/core/protocol/websocket"
	"golang.org/x/sync/errgroup"
)

// Version is announced to the relay in the hello message.
const Version = "1"

// rttSmoothing is the weight of a new round-trip sample.
const rttSmoothing = 0.2

// Config holds configuration for the client
type Config struct {
	PeerID         string
	RelayURL       string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// ConfigFrom maps the peer and relay sections of the application config.
func ConfigFrom(peer config.Peer, relay config.Relay) Config {
	return Config{
		PeerID:         peer.ID,
		RelayURL:       peer.RelayURL,
		ConnectTimeout: peer.ConnectTimeout,
		SendTimeout:    peer.SendTimeout,
		PingInterval:   peer.PingInterval,
		MaxMessageSize: relay.MaxMessageSize,
	}
}

// MessageHandler handles one inbound envelope on the receive goroutine.
type MessageHandler func(env *protocol.Envelope) error

// Dialer opens the transport connection to the relay.
type Dialer func(ctx context.Context) (protocol.Connection, error)

type Option func(*Client)

// WithDialer replaces url-based dialing.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// Client represents a warpsync relay connection
type Client struct {
	cfg    Config
	codec  protocol.Codec
	logger log.Log
	dial   Dialer

	mu       sync.RWMutex
	conn     protocol.Connection
	handlers map[protocol.MessageType]MessageHandler

	connected int32 // atomic bool
	closed    int32 // atomic bool

	pingNonce uint64
	rttNanos  int64 // atomic, smoothed
}

func New(cfg Config, codec protocol.Codec, logger log.Log, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		codec:    codec,
		logger:   logger.With(log.String("component", "client"), log.String("peer_id", cfg.PeerID)),
		handlers: make(map[protocol.MessageType]MessageHandler),
	}
	c.dial = c.dialURL
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() string {
	return c.cfg.PeerID
}

// OnMessage registers the handler for typ. Pong is consumed internally.
func (c *Client) OnMessage(typ protocol.MessageType, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[typ]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, typ)
	}
	c.handlers[typ] = handler
	return nil
}

// Connect dials the relay and sends the hello.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if c.cfg.PeerID == "" {
		return ErrMissingPeerID
	}
	if atomic.LoadInt32(&c.connected) == 1 {
		return ErrAlreadyConnected
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	c.logger.Info("Connecting to relay", log.String("url", c.cfg.RelayURL))

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Failed to connect to relay", log.Error(err))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	atomic.StoreInt32(&c.connected, 1)

	if err := c.Send(ctx, protocol.MessageHello, "", protocol.HelloMessage{PeerID: c.cfg.PeerID, Version: Version}); err != nil {
		c.Disconnect()
		return err
	}

	c.logger.Info("Connected to relay", log.String("remote_addr", conn.RemoteAddr().String()))
	return nil
}

func (c *Client) dialURL(ctx context.Context) (protocol.Connection, error) {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ws", "wss":
		return websocket.Dial(ctx, c.cfg.RelayURL, websocket.Options{
			MaxMessageSize: c.cfg.MaxMessageSize,
			WriteTimeout:   c.cfg.SendTimeout,
		})
	case "quic":
		return quic.Dial(ctx, u.Host, nil, quic.Options{
			MaxMessageSize:  c.cfg.MaxMessageSize,
			WriteTimeout:    c.cfg.SendTimeout,
			KeepAlivePeriod: c.cfg.PingInterval,
		})
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnsupportedScheme, u.Scheme)
	}
}

// Send seals body into an envelope from this peer and writes it.
func (c *Client) Send(ctx context.Context, typ protocol.MessageType, target string, body any) error {
	env, err := protocol.Seal(c.codec, typ, c.cfg.PeerID, body)
	if err != nil {
		return err
	}
	env.Target = target
	return c.SendEnvelope(ctx, env)
}

func (c *Client) SendEnvelope(ctx context.Context, env *protocol.Envelope) error {
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodeEnvelope(c.codec, env)
	if err != nil {
		return err
	}

	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}
	return conn.Send(ctx, frame)
}

// Run receives and dispatches until ctx ends or the connection fails. It also
// probes the relay round trip every PingInterval.
func (c *Client) Run(ctx context.Context) error {
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}
	defer c.Disconnect()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.receiveLoop(gctx, conn)
	})
	if c.cfg.PingInterval > 0 {
		g.Go(func() error {
			return c.pingLoop(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) receiveLoop(ctx context.Context, conn protocol.Connection) error {
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		env, err := protocol.DecodeEnvelope(c.codec, data)
		if err != nil {
			c.logger.Warn("Dropping malformed envelope", log.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	if env.Type == protocol.MessagePong {
		c.observeRTT(time.Since(time.Unix(0, env.SentAt)))
		return
	}

	c.mu.RLock()
	handler := c.handlers[env.Type]
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Debug("No handler for message", log.String("type", env.Type.String()))
		return
	}
	if err := handler(env); err != nil {
		c.logger.Warn("Message handler failed",
			log.String("type", env.Type.String()),
			log.String("sender", env.Sender),
			log.Error(err))
	}
}

func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	c.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ping(ctx)
		}
	}
}

func (c *Client) ping(ctx context.Context) {
	nonce := atomic.AddUint64(&c.pingNonce, 1)
	if err := c.Send(ctx, protocol.MessagePing, "", protocol.PingMessage{Nonce: nonce}); err != nil && ctx.Err() == nil {
		c.logger.Debug("Ping failed", log.Error(err))
	}
}

func (c *Client) observeRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	for {
		old := atomic.LoadInt64(&c.rttNanos)
		next := int64(sample)
		if old > 0 {
			next = old + int64(rttSmoothing*float64(int64(sample)-old))
		}
		if atomic.CompareAndSwapInt64(&c.rttNanos, old, next) {
			return
		}
	}
}

// RTT is the smoothed relay round trip, zero before the first pong.
func (c *Client) RTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.rttNanos))
}

// OneWayLatency estimates peer-to-peer transit in seconds: two relay hops of
// half a round trip each.
func (c *Client) OneWayLatency() float64 {
	return c.RTT().Seconds()
}

func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Disconnect drops the current connection; Connect may be called again.
func (c *Client) Disconnect() {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		stats := conn.Stats()
		if err := conn.Close(); err != nil && !errors.Is(err, protocol.ErrConnectionClosed) {
			c.logger.Debug("Close failed", log.Error(err))
		}
		c.logger.Info("Disconnected from relay",
			log.Uint64("messages_sent", stats.MessagesSent),
			log.Uint64("messages_received", stats.MessagesReceived))
	}
}

// Close disconnects and prevents further connects.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.Disconnect()
	return nil
}

func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) connection() protocol.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
