// Package server implements the relay authority: every peer connects to it,
// application messages are rebroadcast unchanged, and it keeps the session's
// authoritative simulation clock.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
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

const handshakeTimeout = 10 * time.Second

// Server represents a warpsync relay
type Server struct {
	cfg    config.Relay
	codec  protocol.Codec
	logger log.Log
	now    func() time.Time

	peers     sync.Map // map[string]*PeerSession
	peerCount int64    // atomic
	clock     *AuthorityClock

	// Server state
	mu      sync.Mutex
	running int32 // atomic bool
	closed  int32 // atomic bool

	httpServer   *http.Server
	httpListener net.Listener
	quicListener *quic.Listener
	upgrader     *websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	sessions sync.WaitGroup

	relayed    uint64
	dropped    uint64
	heartbeats uint64
}

// Stats is a point-in-time view of relay activity.
type Stats struct {
	Peers          int64
	Relayed        uint64
	Dropped        uint64
	Heartbeats     uint64
	AuthorityTime  float64
	AuthorityReady bool
}

type Option func(*Server)

// WithNow replaces the wall clock used for authority time and idle checks.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func NewServer(cfg config.Relay, codec protocol.Codec, logger log.Log, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		codec:  codec,
		logger: logger.With(log.String("component", "relay")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = NewAuthorityClock(s.now)
	s.upgrader = websocket.NewUpgrader(websocket.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   cfg.WriteTimeout,
	})

	s.logger.Info("Relay created",
		log.String("listen_addr", cfg.ListenAddr),
		log.String("quic_addr", cfg.QUICAddr),
		log.Int("max_peers", cfg.MaxPeers))

	return s
}

// Start binds the listeners and launches the background workers.
func (s *Server) Start(_ context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}
	s.httpListener = ln

	if s.cfg.QUICAddr != "" {
		ql, err := quic.Listen(s.cfg.QUICAddr, nil, quic.Options{
			MaxMessageSize: s.cfg.MaxMessageSize,
			WriteTimeout:   s.cfg.WriteTimeout,
			MaxIdleTimeout: s.cfg.ClientTimeout,
		}, s.logger)
		if err != nil {
			_ = ln.Close()
			atomic.StoreInt32(&s.running, 0)
			s.logger.Error("Failed to create QUIC listener", log.Error(err))
			return fmt.Errorf("%w: %w", ErrListenerFailed, err)
		}
		s.quicListener = ql
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, s.ctx = errgroup.WithContext(runCtx)

	s.group.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.quicListener != nil {
		s.group.Go(s.acceptQUIC)
	}
	s.group.Go(s.heartbeatLoop)
	s.group.Go(s.healthMonitor)

	s.logger.Info("Relay listening",
		log.String("addr", ln.Addr().String()),
		log.String("path", s.cfg.WebSocketPath))

	return nil
}

// Stop disconnects every peer and waits for the workers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.mu.Unlock()

	s.logger.Info("Stopping relay")

	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", log.Error(err))
	}
	if s.quicListener != nil {
		_ = s.quicListener.Close()
	}

	s.peers.Range(func(_, value any) bool {
		value.(*PeerSession).close()
		return true
	})
	s.sessions.Wait()

	err := s.group.Wait()
	s.logger.Info("Relay stopped")
	return err
}

// Close stops the server if needed and prevents restarts.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&s.running) == 1 {
		return s.Stop(context.Background())
	}
	return nil
}

// Run starts the relay and blocks until ctx is cancelled or a worker fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicListener == nil {
		return nil
	}
	return s.quicListener.Addr()
}

// Peers returns the ids of connected peers, sorted.
func (s *Server) Peers() []string {
	var ids []string
	s.peers.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (s *Server) Stats() Stats {
	t, ok := s.clock.Now()
	return Stats{
		Peers:          atomic.LoadInt64(&s.peerCount),
		Relayed:        atomic.LoadUint64(&s.relayed),
		Dropped:        atomic.LoadUint64(&s.dropped),
		Heartbeats:     atomic.LoadUint64(&s.heartbeats),
		AuthorityTime:  t,
		AuthorityReady: ok,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.running) == 0 {
		http.Error(w, ErrServerNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}
	s.serveConnection(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

func (s *Server) acceptQUIC() error {
	s.logger.Debug("QUIC acceptor started")
	defer s.logger.Debug("QUIC acceptor stopped")

	for {
		conn, err := s.quicListener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, protocol.ErrConnectionClosed) {
				return nil
			}
			s.logger.Error("Failed to accept QUIC connection", log.Error(err))
			continue
		}
		go s.serveConnection(conn)
	}
}

// trackSession registers a connection handler unless the relay is stopping.
func (s *Server) trackSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if atomic.LoadInt32(&s.running) == 0 {
		return false
	}
	s.sessions.Add(1)
	return true
}

// serveConnection runs one peer from handshake to disconnect.
func (s *Server) serveConnection(conn protocol.Connection) {
	if !s.trackSession() {
		_ = conn.Close()
		return
	}
	defer s.sessions.Done()

	session, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("Rejected connection",
			log.String("remote_addr", conn.RemoteAddr().String()),
			log.Error(err))
		_ = conn.Close()
		return
	}
	defer s.unregister(session)

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		session.writeLoop(s.ctx, s.cfg.WriteTimeout)
	}()

	s.welcome(session)
	s.readLoop(session)
}

func (s *Server) handshake(conn protocol.Connection) (*PeerSession, error) {
	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	data, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	env, err := protocol.DecodeEnvelope(s.codec, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if env.Type != protocol.MessageHello {
		return nil, fmt.Errorf("%w: first message is %s", ErrHandshakeFailed, env.Type)
	}
	hello, err := protocol.Open[protocol.HelloMessage](s.codec, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if hello.PeerID == "" || hello.PeerID != env.Sender {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrSenderMismatch)
	}

	if atomic.AddInt64(&s.peerCount, 1) > int64(s.cfg.MaxPeers) {
		atomic.AddInt64(&s.peerCount, -1)
		return nil, ErrMaxPeersReached
	}

	session := newPeerSession(hello.PeerID, conn, s.now(), s.logger)
	if _, loaded := s.peers.LoadOrStore(session.ID, session); loaded {
		atomic.AddInt64(&s.peerCount, -1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, session.ID)
	}

	s.logger.Info("Peer connected",
		log.String("peer_id", session.ID),
		log.String("version", hello.Version),
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.Int64("total_peers", atomic.LoadInt64(&s.peerCount)))

	return session, nil
}

// welcome sends the roster and, once known, the authority time to a new peer,
// then announces it to everyone else.
func (s *Server) welcome(session *PeerSession) {
	others := make([]string, 0, atomic.LoadInt64(&s.peerCount))
	for _, id := range s.Peers() {
		if id != session.ID {
			others = append(others, id)
		}
	}

	serverTime, ready := s.clock.Now()
	s.sendTo(session, protocol.MessageWelcome, protocol.WelcomeMessage{Peers: others, ServerTime: serverTime})
	if ready {
		s.sendTo(session, protocol.MessageHeartbeat, protocol.HeartbeatMessage{ServerTime: serverTime})
		atomic.AddUint64(&s.heartbeats, 1)
	}

	frame, err := s.encode(protocol.MessagePeerJoined, "", protocol.PeerEventMessage{PeerID: session.ID})
	if err != nil {
		s.logger.Error("Failed to encode peer joined", log.Error(err))
		return
	}
	s.broadcast(frame, session.ID)
}

func (s *Server) readLoop(session *PeerSession) {
	for {
		data, err := session.Connection.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, protocol.ErrConnectionClosed) {
				session.logger.Debug("Peer read failed", log.Error(err))
			}
			return
		}
		session.touch(s.now())
		s.handleFrame(session, data)
	}
}

func (s *Server) handleFrame(session *PeerSession, data []byte) {
	env, err := protocol.DecodeEnvelope(s.codec, data)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		session.logger.Warn("Dropping malformed frame", log.Error(err))
		return
	}
	if env.Sender != session.ID {
		atomic.AddUint64(&s.dropped, 1)
		session.logger.Warn("Dropping frame",
			log.String("sender", env.Sender),
			log.Error(ErrSenderMismatch))
		return
	}

	switch env.Type {
	case protocol.MessagePing:
		s.pong(session, env)
	case protocol.MessageSnapshot:
		s.observeSnapshot(env)
		s.relay(session, env, data)
	case protocol.MessageTemplate, protocol.MessageOwnership:
		s.relay(session, env, data)
	case protocol.MessageHello:
		session.logger.Debug("Ignoring repeated hello")
	default:
		atomic.AddUint64(&s.dropped, 1)
		session.logger.Warn("Unexpected message from peer", log.String("type", env.Type.String()))
	}
}

// observeSnapshot seeds the authority clock from the first usable emit time.
func (s *Server) observeSnapshot(env *protocol.Envelope) {
	if _, ok := s.clock.Now(); ok {
		return
	}
	msg, err := protocol.Open[protocol.SnapshotMessage](s.codec, env)
	if err != nil {
		return
	}
	if s.clock.Observe(msg.EmitTime) {
		s.logger.Info("Authority time initialised",
			log.Float64("sim_time", msg.EmitTime),
			log.String("peer_id", env.Sender))
	}
}

// relay forwards the original frame bytes to the target or to every other peer.
func (s *Server) relay(from *PeerSession, env *protocol.Envelope, frame []byte) {
	if env.Broadcast() {
		s.broadcast(frame, from.ID)
		return
	}

	value, ok := s.peers.Load(env.Target)
	if !ok {
		atomic.AddUint64(&s.dropped, 1)
		from.logger.Debug("Relay target not connected", log.String("target", env.Target))
		return
	}
	if value.(*PeerSession).enqueue(frame) {
		atomic.AddUint64(&s.relayed, 1)
	}
}

func (s *Server) broadcast(frame []byte, except string) {
	s.peers.Range(func(key, value any) bool {
		if key.(string) == except {
			return true
		}
		if value.(*PeerSession).enqueue(frame) {
			atomic.AddUint64(&s.relayed, 1)
		}
		return true
	})
}

func (s *Server) pong(session *PeerSession, ping *protocol.Envelope) {
	reply := &protocol.Envelope{
		Type:    protocol.MessagePong,
		ID:      ping.ID,
		Target:  session.ID,
		SentAt:  ping.SentAt,
		Payload: ping.Payload,
	}
	frame, err := protocol.EncodeEnvelope(s.codec, reply)
	if err != nil {
		session.logger.Error("Failed to encode pong", log.Error(err))
		return
	}
	session.enqueue(frame)
}

func (s *Server) sendTo(session *PeerSession, typ protocol.MessageType, body any) {
	frame, err := s.encode(typ, session.ID, body)
	if err != nil {
		session.logger.Error("Failed to encode message", log.String("type", typ.String()), log.Error(err))
		return
	}
	session.enqueue(frame)
}

func (s *Server) encode(typ protocol.MessageType, target string, body any) ([]byte, error) {
	env, err := protocol.Seal(s.codec, typ, "", body)
	if err != nil {
		return nil, err
	}
	env.Target = target
	return protocol.EncodeEnvelope(s.codec, env)
}

func (s *Server) unregister(session *PeerSession) {
	if !s.peers.CompareAndDelete(session.ID, session) {
		return
	}
	atomic.AddInt64(&s.peerCount, -1)
	session.close()

	stats := session.Connection.Stats()
	s.logger.Info("Peer disconnected",
		log.String("peer_id", session.ID),
		log.Duration("connected_for", s.now().Sub(session.ConnectedAt)),
		log.Uint64("messages_received", stats.MessagesReceived),
		log.Uint64("messages_sent", stats.MessagesSent),
		log.Int64("total_peers", atomic.LoadInt64(&s.peerCount)))

	frame, err := s.encode(protocol.MessagePeerLeft, "", protocol.PeerEventMessage{PeerID: session.ID})
	if err != nil {
		s.logger.Error("Failed to encode peer left", log.Error(err))
		return
	}
	s.broadcast(frame, session.ID)
}

func (s *Server) heartbeatLoop() error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcastHeartbeat()
		}
	}
}

func (s *Server) broadcastHeartbeat() {
	serverTime, ok := s.clock.Now()
	if !ok {
		return
	}
	frame, err := s.encode(protocol.MessageHeartbeat, "", protocol.HeartbeatMessage{ServerTime: serverTime})
	if err != nil {
		s.logger.Error("Failed to encode heartbeat", log.Error(err))
		return
	}
	s.broadcast(frame, "")
	atomic.AddUint64(&s.heartbeats, 1)
}

func (s *Server) healthMonitor() error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.performHealthChecks()
		}
	}
}

func (s *Server) performHealthChecks() {
	now := s.now()
	s.peers.Range(func(_, value any) bool {
		session := value.(*PeerSession)
		if idle := session.idle(now); idle > s.cfg.ClientTimeout {
			session.logger.Warn("Peer timed out", log.Duration("idle", idle))
			session.close()
		}
		return true
	})
}
