// Package serializer is the Serializer collaborator the registry core treats
// as external: encode(T) -> bytes, decode(bytes, T) -> T. The wire
// framing in protocol/message never looks inside these bytes.
package serializer

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Type identifies which Serializer produced a given body, a one-byte tag
// that can travel in-band if a future revision needs per-message
// serializer selection.
type Type byte

const (
	TypeJSON    Type = 0
	TypeMsgpack Type = 1
)

// Serializer turns values into bytes and back. Implementations must be safe
// for concurrent use — the same instance is shared by every connection.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

// Get returns the Serializer for the given type, defaulting to Msgpack for
// any unrecognised value.
func Get(t Type) Serializer {
	if t == TypeJSON {
		return JSON{}
	}
	return Msgpack{}
}

// JSON is the human-readable default, used for tests and CLI debugging
// where readable wire dumps matter more than size or speed.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSON) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Type() Type                      { return TypeJSON }

// Msgpack is the production default: compact binary encoding with the same
// struct-tag-free ergonomics as JSON. This is the corpus's msgpack library
// (github.com/vmihailenco/msgpack/v5), not a hand-rolled binary format —
// the registry's push traffic (provider lists, retransmissions) is
// high-frequency enough that JSON's size and reflection cost matter.
type Msgpack struct{}

func (Msgpack) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (Msgpack) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (Msgpack) Type() Type                      { return TypeMsgpack }
