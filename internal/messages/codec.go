package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnknownKind is returned when decoding a frame whose kind is not part of the wire set
	ErrUnknownKind = errors.New("messages: unknown message kind")
)

// Codec names accepted in configuration.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec serializes values for the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec encodes frames as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return CodecJSON }

// MsgpackCodec encodes frames as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgpackCodec) Name() string                       { return CodecMsgpack }

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// frame is the serialized form of an Envelope
type frame struct {
	Kind     Kind   `json:"kind" msgpack:"kind"`
	SenderID string `json:"sender_id" msgpack:"sender_id"`
	Body     []byte `json:"body" msgpack:"body"`
}

type decodeFunc func(c Codec, body []byte) (Message, error)

func decodeAs[T Message](c Codec, body []byte) (Message, error) {
	var m T
	if len(body) > 0 {
		if err := c.Unmarshal(body, &m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var wireKinds = map[Kind]decodeFunc{
	KindElectionsInquiry:   decodeAs[ElectionsInquiry],
	KindElectionsCandidate: decodeAs[ElectionsCandidate],
	KindElectionsLeader:    decodeAs[ElectionsLeader],
	KindHeartbeat:          decodeAs[Heartbeat],
	KindHeartStopped:       decodeAs[HeartStopped],
	KindProcessStart:       decodeAs[ProcessStart],
	KindProcessStop:        decodeAs[ProcessStop],
	KindProcessChange:      decodeAs[ProcessChange],
	KindProcessRequest:     decodeAs[ProcessRequest],
	KindConnectionRestored: decodeAs[ConnectionRestored],
}

// IsWire reports whether messages of kind k may cross the fleet transport.
func IsWire(k Kind) bool {
	_, ok := wireKinds[k]
	return ok
}

// Encode serializes an envelope with the given codec.
func Encode(c Codec, env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("messages: encode: nil message")
	}
	kind := env.Message.Kind()
	if !IsWire(kind) {
		return nil, fmt.Errorf("%w: %s is local only", ErrUnknownKind, kind)
	}

	body, err := c.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("messages: encode %s body: %w", kind, err)
	}
	return c.Marshal(frame{Kind: kind, SenderID: env.SenderID, Body: body})
}

// Decode parses bytes produced by Encode.
func Decode(c Codec, data []byte) (Envelope, error) {
	var f frame
	if err := c.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("messages: decode frame: %w", err)
	}

	decode, ok := wireKinds[f.Kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	msg, err := decode(c, f.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("messages: decode %s body: %w", f.Kind, err)
	}
	return Envelope{SenderID: f.SenderID, Message: msg}, nil
}
