package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the payload carried by an Envelope.
type MessageType uint8

const (
	MessageUnknown MessageType = iota

	// Session control, produced or answered by the relay.

	MessageHello
	MessageWelcome
	MessagePeerJoined
	MessagePeerLeft
	MessagePing
	MessagePong
	MessageHeartbeat

	// Application messages, relayed unchanged.

	MessageSnapshot
	MessageTemplate
	MessageOwnership

	messageTypeCount
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessageWelcome:
		return "welcome"
	case MessagePeerJoined:
		return "peer_joined"
	case MessagePeerLeft:
		return "peer_left"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageSnapshot:
		return "snapshot"
	case MessageTemplate:
		return "template"
	case MessageOwnership:
		return "ownership"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

func (t MessageType) Valid() bool {
	return t > MessageUnknown && t < messageTypeCount
}

// Relayed reports whether the relay forwards this type to other peers as-is.
func (t MessageType) Relayed() bool {
	return t == MessageSnapshot || t == MessageTemplate || t == MessageOwnership
}

// Envelope is the unit exchanged over every transport. Payload holds the encoded
// message body so the relay can forward it without decoding.
type Envelope struct {
	Type    MessageType `codec:"t"`
	ID      string      `codec:"id"`
	Sender  string      `codec:"from"`
	Target  string      `codec:"to,omitempty"`
	SentAt  int64       `codec:"at"`
	Payload []byte      `codec:"p"`
}

// Broadcast reports whether the envelope is addressed to every other peer.
func (e *Envelope) Broadcast() bool {
	return e.Target == ""
}

func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, e.Type)
	}
	if e.Sender == "" && e.Type != MessageHeartbeat && e.Type != MessageWelcome &&
		e.Type != MessagePeerJoined && e.Type != MessagePeerLeft && e.Type != MessagePong {
		return fmt.Errorf("%w: %s without sender", ErrInvalidMessage, e.Type)
	}
	return nil
}

// Seal encodes body with c and wraps it in a fresh envelope.
func Seal(c Codec, typ MessageType, sender string, body any) (*Envelope, error) {
	payload, err := c.Encode(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    typ,
		ID:      uuid.NewString(),
		Sender:  sender,
		SentAt:  time.Now().UnixNano(),
		Payload: payload,
	}, nil
}

// Open decodes the envelope payload into a T.
func Open[T any](c Codec, env *Envelope) (T, error) {
	var body T
	if err := c.Decode(env.Payload, &body); err != nil {
		return body, err
	}
	return body, nil
}

type HelloMessage struct {
	PeerID  string `codec:"peer"`
	Version string `codec:"version"`
}

// WelcomeMessage answers a hello with the peers already present.
type WelcomeMessage struct {
	Peers      []string `codec:"peers"`
	ServerTime float64  `codec:"time"`
}

// PeerEventMessage announces a peer joining or leaving.
type PeerEventMessage struct {
	PeerID string `codec:"peer"`
}

// PingMessage is echoed back by the relay as a pong with the same Nonce.
type PingMessage struct {
	Nonce uint64 `codec:"n"`
}

// HeartbeatMessage carries the relay's authoritative simulation time.
type HeartbeatMessage struct {
	ServerTime float64 `codec:"time"`
}

type TemplateMessage struct {
	EntityID     string `codec:"entity"`
	OwnerID      string `codec:"owner"`
	TemplateID   string `codec:"template"`
	ParentBodyID string `codec:"body"`
	Sequence     uint32 `codec:"seq"`
}

type OwnershipMessage struct {
	OwnerID   string   `codec:"owner"`
	EntityIDs []string `codec:"entities"`
	Sequence  uint32   `codec:"seq"`
}

// SnapshotMessage is the wire form of models.Snapshot. Both reference frames
// are always populated.
type SnapshotMessage struct {
	EntityID     string     `codec:"entity"`
	OwnerID      string     `codec:"owner"`
	ParentBodyID string     `codec:"body"`
	EmitTime     float64    `codec:"emit"`
	InertialPos  [3]float64 `codec:"ipos"`
	InertialVel  [3]float64 `codec:"ivel"`
	FixedPos     [3]float64 `codec:"fpos"`
	FixedVel     [3]float64 `codec:"fvel"`
	PhysFrame    uint8      `codec:"frame"`
	Orientation  [4]float64 `codec:"rot"`
	AngularVel   [3]float64 `codec:"angvel"`
	EngineOn     bool       `codec:"engine"`
	Throttle     float32    `codec:"throttle"`
	Thrusters    uint32     `codec:"thrusters"`
	Maneuvering  bool       `codec:"maneuvering"`
	Situation    uint8      `codec:"situation"`
	Sequence     uint32     `codec:"seq"`
	Aux          []float32  `codec:"aux,omitempty"`
}
