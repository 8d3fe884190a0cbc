package peer

import (
	"fmt"
	"sync/atomic"

	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
	"github.com/zeusync/warpsync/sdk/go/client"
)

// onSnapshot copies a relayed snapshot into a pooled instance, stamps the
// receiver fields and queues it for the owner's entity.
func (s *Session) onSnapshot(env *protocol.Envelope) error {
	if env.Sender == s.localPeer {
		return nil
	}
	msg, err := protocol.Open[protocol.SnapshotMessage](s.codec, env)
	if err != nil {
		atomic.AddUint64(&s.malformed, 1)
		return err
	}
	if msg.OwnerID != env.Sender {
		atomic.AddUint64(&s.malformed, 1)
		return fmt.Errorf("%w: %s sent snapshot for %s", ErrOwnerMismatch, env.Sender, msg.OwnerID)
	}

	pool := s.queues.Pool()
	snap := pool.Get()
	if err := msg.Fill(snap); err != nil {
		pool.Put(snap)
		atomic.AddUint64(&s.malformed, 1)
		return err
	}
	snap.PingSec = s.link.OneWayLatency()
	snap.ReceivedAt = s.sim.SimTime()

	s.clock.UpdatePeerTime(snap.Key.Owner, snap.EmitTime)
	key, parent := snap.Key, snap.ParentBodyID
	s.queues.Enqueue(key, snap)
	s.engine.Observe(key, parent)
	return nil
}

func (s *Session) onTemplate(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.TemplateMessage](s.codec, env)
	if err != nil {
		return err
	}
	ann, err := msg.Announcement()
	if err != nil {
		return err
	}
	if ann.Key.Owner != env.Sender {
		return fmt.Errorf("%w: %s announced %s", ErrOwnerMismatch, env.Sender, ann.Key)
	}
	s.engine.Announce(ann)
	return nil
}

func (s *Session) onOwnership(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.OwnershipMessage](s.codec, env)
	if err != nil {
		return err
	}
	manifest, err := msg.Manifest()
	if err != nil {
		return err
	}
	if manifest.Owner != env.Sender {
		return fmt.Errorf("%w: %s sent manifest of %s", ErrOwnerMismatch, env.Sender, manifest.Owner)
	}
	s.engine.Retain(manifest)
	return nil
}

func (s *Session) onHeartbeat(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.HeartbeatMessage](s.codec, env)
	if err != nil {
		return err
	}
	s.post(func() { s.applyAuthority(msg.ServerTime) })
	return nil
}

// onWelcome forgets peers that left while the link was down.
func (s *Session) onWelcome(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.WelcomeMessage](s.codec, env)
	if err != nil {
		return err
	}
	s.logger.Info("Joined session",
		log.Strings("peers", msg.Peers),
		log.Float64("server_time", msg.ServerTime))

	roster := make(map[string]struct{}, len(msg.Peers))
	for _, p := range msg.Peers {
		roster[p] = struct{}{}
	}
	s.post(func() {
		stale := make(map[string]struct{})
		for _, p := range s.clock.Peers() {
			stale[p] = struct{}{}
		}
		for _, key := range s.engine.Keys() {
			stale[key.Owner] = struct{}{}
		}
		for p := range stale {
			if _, ok := roster[p]; !ok {
				s.logger.Debug("Forgetting peer missing from roster", log.String("peer", p))
				s.forgetPeer(p)
			}
		}
	})
	return nil
}

func (s *Session) onPeerJoined(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.PeerEventMessage](s.codec, env)
	if err != nil {
		return err
	}
	s.post(func() {
		s.detector.OnPeerJoined(msg.PeerID)
		s.emit(EventPeerJoined, msg.PeerID)
	})
	return nil
}

func (s *Session) onPeerLeft(env *protocol.Envelope) error {
	msg, err := protocol.Open[protocol.PeerEventMessage](s.codec, env)
	if err != nil {
		return err
	}
	s.forgetPeer(msg.PeerID)
	s.post(func() { s.emit(EventPeerLeft, msg.PeerID) })
	return nil
}

// publisher hands detector output to the send loop. Payloads are encoded
// before returning, so the detector may reuse its scratch snapshot.
type publisher struct {
	s *Session
}

func (p publisher) PublishTemplate(a models.TemplateAnnouncement) error {
	return p.s.publish(protocol.MessageTemplate, protocol.NewTemplateMessage(a))
}

func (p publisher) PublishSnapshot(snap *models.Snapshot) error {
	return p.s.publish(protocol.MessageSnapshot, protocol.NewSnapshotMessage(snap))
}

func (p publisher) PublishOwnership(m models.OwnershipManifest) error {
	return p.s.publish(protocol.MessageOwnership, protocol.NewOwnershipMessage(m))
}

func (s *Session) publish(typ protocol.MessageType, body any) error {
	if !s.link.IsConnected() {
		return client.ErrNotConnected
	}
	env, err := protocol.Seal(s.codec, typ, s.localPeer, body)
	if err != nil {
		return err
	}
	select {
	case s.outbox <- env:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		return fmt.Errorf("%w: %s", ErrOutboxFull, typ)
	}
}
