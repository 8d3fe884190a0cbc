package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

const outboxSize = 256

// PeerSession represents a connected peer
type PeerSession struct {
	ID          string
	Connection  protocol.Connection
	ConnectedAt time.Time
	LastSeen    int64 // atomic unix nanos

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    log.Log
}

func newPeerSession(id string, conn protocol.Connection, now time.Time, logger log.Log) *PeerSession {
	return &PeerSession{
		ID:          id,
		Connection:  conn,
		ConnectedAt: now,
		LastSeen:    now.UnixNano(),
		outbox:      make(chan []byte, outboxSize),
		done:        make(chan struct{}),
		logger:      logger.With(log.String("peer_id", id)),
	}
}

func (p *PeerSession) touch(now time.Time) {
	atomic.StoreInt64(&p.LastSeen, now.UnixNano())
}

func (p *PeerSession) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&p.LastSeen)))
}

// enqueue queues a frame for the writer. A full outbox closes the session;
// ordered delivery cannot be kept once frames are dropped.
func (p *PeerSession) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.outbox <- frame:
		return true
	default:
		p.logger.Warn("Peer outbox full, disconnecting", log.Error(ErrPeerTooSlow))
		p.close()
		return false
	}
}

// writeLoop drains the outbox until the session closes.
func (p *PeerSession) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case frame := <-p.outbox:
			sendCtx, cancel := ctx, context.CancelFunc(func() {})
			if timeout > 0 {
				sendCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			err := p.Connection.Send(sendCtx, frame)
			cancel()
			if err != nil {
				p.logger.Debug("Failed to write to peer", log.Error(err))
				p.close()
				return
			}
		}
	}
}

func (p *PeerSession) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.Connection.Close()
	})
}
