package protocol

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Codec defines the contract for message serialization and deserialization.
type Codec interface {
	// Encode converts a value into a byte slice.
	Encode(v any) ([]byte, error)

	// Decode fills v from data.
	Decode(data []byte, v any) error
}

var _ Codec = (*MsgpackCodec)(nil)

// MsgpackCodec encodes with MessagePack. It is safe for concurrent use.
type MsgpackCodec struct {
	handle *codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return &MsgpackCodec{handle: h}
}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, c.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDeserializationFailed)
	}
	if err := codec.NewDecoderBytes(data, c.handle).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserializationFailed, err)
	}
	return nil
}

// EncodeEnvelope serializes env after checking it.
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return c.Encode(env)
}

// DecodeEnvelope parses and checks an envelope frame.
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := c.Decode(data, env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
