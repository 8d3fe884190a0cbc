// Package peer runs one participant of a warpsync session. It owns the subspace
// clock, the dirty-state detector, the per-entity update queues and the
// interpolation engine, feeds them from the relay link and drives them from a
// fixed-rate tick.
package peer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/detector"
	"github.com/zeusync/warpsync/internal/core/events/bus"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/interp"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
	"github.com/zeusync/warpsync/internal/core/queue"
	"github.com/zeusync/warpsync/internal/core/subspace"
	"github.com/zeusync/warpsync/sdk/go/client"
	"golang.org/x/sync/errgroup"
)

const outboxSize = 512

// StepFunc advances the host simulation by dt seconds of wall time before a tick.
type StepFunc func(dt float64)

type Option func(*Session)

// WithStep installs the host step run ahead of every tick by Run.
func WithStep(step StepFunc) Option {
	return func(s *Session) { s.step = step }
}

// WithClockOptions forwards options to the subspace clock.
func WithClockOptions(opts ...subspace.Option) Option {
	return func(s *Session) { s.clockOpts = append(s.clockOpts, opts...) }
}

// Stats is a point-in-time view of a session.
type Stats struct {
	Ticks     uint64
	Connected bool
	RTT       time.Duration
	Peers     []string
	Remote    int
	Owned     []string
	Malformed uint64
	Dropped   uint64
	Queues    queue.Stats
	Detector  detector.Stats
}

// Session is one peer. Tick and the accessors that touch detector or engine
// state belong to the tick goroutine; message handlers run on the link's
// receive goroutine and only touch queues, the peer time table and inboxes.
type Session struct {
	cfg       config.Config
	localPeer string
	world     host.World
	sim       host.SimClock
	link      *client.Client
	codec     protocol.Codec
	events    bus.EventBus
	logger    log.Log
	step      StepFunc
	clockOpts []subspace.Option

	clock    *subspace.Clock
	detector *detector.Detector
	queues   *queue.Registry
	engine   *interp.Engine

	inboxMu sync.Mutex
	inbox   []func()

	outbox chan *protocol.Envelope

	known     map[models.EntityKey]struct{}
	ticks     uint64
	malformed uint64 // atomic
	dropped   uint64 // atomic
}

// New wires a session around the host adapters and a relay link. A nil events
// bus is replaced by a private one.
func New(cfg config.Config, world host.World, sim host.SimClock, model host.TrajectoryModel, link *client.Client, codec protocol.Codec, events bus.EventBus, logger log.Log, opts ...Option) (*Session, error) {
	if events == nil {
		events = bus.New()
	}

	s := &Session{
		cfg:       cfg,
		localPeer: link.ID(),
		world:     world,
		sim:       sim,
		link:      link,
		codec:     codec,
		events:    events,
		logger:    logger.With(log.String("component", "session"), log.String("peer_id", link.ID())),
		outbox:    make(chan *protocol.Envelope, outboxSize),
		known:     make(map[models.EntityKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clock = subspace.NewClock(cfg.Subspace, s.localPeer, sim, world, model, logger, s.clockOpts...)
	s.detector = detector.New(cfg.Detector, s.localPeer, logger)
	s.queues = queue.NewRegistry(cfg.Queue)
	s.engine = interp.NewEngine(cfg.Interpolation, cfg.Queue, world, model, s.queues, s.clock, logger)

	handlers := map[protocol.MessageType]client.MessageHandler{
		protocol.MessageWelcome:    s.onWelcome,
		protocol.MessagePeerJoined: s.onPeerJoined,
		protocol.MessagePeerLeft:   s.onPeerLeft,
		protocol.MessageHeartbeat:  s.onHeartbeat,
		protocol.MessageSnapshot:   s.onSnapshot,
		protocol.MessageTemplate:   s.onTemplate,
		protocol.MessageOwnership:  s.onOwnership,
	}
	for typ, h := range handlers {
		if err := link.OnMessage(typ, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.localPeer
}

func (s *Session) Clock() *subspace.Clock {
	return s.clock
}

func (s *Session) Engine() *interp.Engine {
	return s.engine
}

func (s *Session) Events() bus.EventBus {
	return s.events
}

// Run connects to the relay, reconnecting after failures, and drives the tick
// loop until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.linkLoop(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.tickLoop(gctx) })
	if s.cfg.Peer.StatsInterval > 0 {
		g.Go(func() error { return s.statsLoop(gctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close drops the relay link for good.
func (s *Session) Close() error {
	return s.link.Close()
}

func (s *Session) linkLoop(ctx context.Context) error {
	for {
		err := s.link.Connect(ctx)
		if errors.Is(err, client.ErrClientClosed) {
			return err
		}

		if err == nil {
			// publishes attempted before this connect never reached the relay
			s.post(s.detector.OnReconnect)
			s.post(func() { s.emit(EventConnected, s.cfg.Peer.RelayURL) })

			runErr := s.link.Run(ctx)
			s.post(func() { s.emit(EventDisconnected, runErr) })
			err = runErr
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("Relay link lost", log.Error(err), log.Duration("retry_in", s.cfg.Peer.ReconnectInterval))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Peer.ReconnectInterval):
		}
	}
}

func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.outbox:
			if err := s.link.SendEnvelope(ctx, env); err != nil && ctx.Err() == nil {
				atomic.AddUint64(&s.dropped, 1)
				s.logger.Debug("Failed to send message",
					log.String("type", env.Type.String()),
					log.Error(err))
			}
		}
	}
}

func (s *Session) tickLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.Peer.TickSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if s.step != nil {
				s.step(now.Sub(last).Seconds())
			}
			last = now
			if err := s.Tick(); err != nil {
				s.logger.Debug("Tick incomplete", log.Error(err))
			}
		}
	}
}

func (s *Session) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Peer.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.post(s.logStats)
		}
	}
}

// Tick runs one simulation step at the host's current sim time: queued
// commands first, then outbound detection, then remote interpolation.
// Failures are returned joined and are retried on the next tick.
func (s *Session) Tick() error {
	s.drain()

	now := s.sim.SimTime()
	var errs []error
	if err := s.detector.Tick(now, s.world, s.sim, publisher{s}); err != nil {
		errs = append(errs, err)
	}
	if err := s.engine.Advance(now); err != nil {
		errs = append(errs, err)
	}
	s.reconcileRemote()
	s.ticks++
	return errors.Join(errs...)
}

// RequestSync asks for a jump to peer's predicted time on the next tick. An
// empty peer selects the most advanced one. The outcome is published as
// EventSyncJump or EventSyncFailed.
func (s *Session) RequestSync(peer string) {
	s.post(func() { s.syncTo(peer) })
}

func (s *Session) syncTo(peer string) {
	if peer == "" {
		target, ahead, ok := s.clock.MostAdvancedPeer()
		if !ok || ahead <= 0 {
			s.emit(EventSyncFailed, SyncJump{From: s.sim.SimTime(), To: s.sim.SimTime(), Err: ErrNoPeerAhead})
			return
		}
		peer = target
	}

	from := s.sim.SimTime()
	if err := s.clock.SyncToPlayer(peer); err != nil {
		s.logger.Info("Sync refused", log.String("peer", peer), log.Error(err))
		s.emit(EventSyncFailed, SyncJump{Peer: peer, From: from, To: from, Err: err})
		return
	}
	s.emit(EventSyncJump, SyncJump{Peer: peer, From: from, To: s.sim.SimTime()})
}

func (s *Session) applyAuthority(serverTime float64) {
	from := s.sim.SimTime()
	if s.clock.ApplyAuthorityTime(serverTime) {
		s.emit(EventAuthorityApplied, AuthorityApplied{From: from, To: s.sim.SimTime()})
	}
}

// reconcileRemote publishes remote entities that appeared or went away during
// the last Advance.
func (s *Session) reconcileRemote() {
	keys := s.engine.Keys()
	if len(keys) == len(s.known) {
		same := true
		for _, key := range keys {
			if _, ok := s.known[key]; !ok {
				same = false
				break
			}
		}
		if same {
			return
		}
	}

	current := make(map[models.EntityKey]struct{}, len(keys))
	for _, key := range keys {
		current[key] = struct{}{}
		if _, ok := s.known[key]; !ok {
			s.emit(EventRemoteTracked, key)
		}
	}
	gone := make([]models.EntityKey, 0)
	for key := range s.known {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Slice(gone, func(a, b int) bool { return gone[a].String() < gone[b].String() })
	for _, key := range gone {
		s.emit(EventRemoteForgotten, key)
	}
	s.known = current
}

// forgetPeer drops everything learned from peer.
func (s *Session) forgetPeer(peer string) {
	s.clock.RemovePeer(peer)
	s.engine.ForgetOwner(peer)
}

// Stats must be called from the tick goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		Ticks:     s.ticks,
		Connected: s.link.IsConnected(),
		RTT:       s.link.RTT(),
		Peers:     s.clock.Peers(),
		Remote:    s.engine.Len(),
		Owned:     s.detector.Owned(),
		Malformed: atomic.LoadUint64(&s.malformed),
		Dropped:   atomic.LoadUint64(&s.dropped),
		Queues:    s.queues.Stats(),
		Detector:  s.detector.Stats(),
	}
}

func (s *Session) logStats() {
	st := s.Stats()
	s.logger.Info("Session stats",
		log.Uint64("ticks", st.Ticks),
		log.Bool("connected", st.Connected),
		log.Duration("rtt", st.RTT),
		log.Int("peers", len(st.Peers)),
		log.Int("remote", st.Remote),
		log.Int("owned", len(st.Owned)),
		log.Uint64("malformed", st.Malformed),
		log.Uint64("dropped", st.Dropped),
		log.Uint64("enqueued", st.Queues.Enqueued),
		log.Uint64("evicted", st.Queues.Evicted),
		log.Uint64("snapshots_sent", st.Detector.Snapshots))
	s.logger.Debug("Subspace status", log.String("status", s.clock.Status()))
}

func (s *Session) emit(typ string, data any) {
	if err := s.events.PublishToTopic(Topic, bus.NewEvent(typ, s.localPeer, data)); err != nil {
		s.logger.Warn("Session event handler failed", log.String("event", typ), log.Error(err))
	}
}

// post schedules fn on the tick goroutine.
func (s *Session) post(fn func()) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
}

func (s *Session) drain() {
	s.inboxMu.Lock()
	fns := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
