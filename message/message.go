// Package message defines the registry's body schemas and the dispatch
// logic that turns a decoded protocol.Frame into one of them.
//
// Message is the envelope for publish/unpublish/subscribe traffic; its Data
// field holds a second, inner encoding — itself produced by a Serializer —
// of whichever concrete payload the Sign implies (RegisterMeta for
// publish/unpublish, ServiceMeta for subscribe, PublishPush for server
// pushes). Acknowledge is a standalone body, never wrapped in a Message.
package message

import (
	"errors"
	"fmt"

	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/serializer"
)

// ErrIllegalSign is returned when a frame's sign is not one of the known
// values. This is connection-fatal.
var ErrIllegalSign = errors.New("message: illegal sign")

// ErrDecodeFailure is returned when the serializer fails to decode a
// frame's body. Also connection-fatal: a body that doesn't parse for one
// sign usually means the two ends have drifted out of sync on the wire.
var ErrDecodeFailure = errors.New("message: decode failure")

// Message carries one publish/unpublish/subscribe request, or the server's
// corresponding push.
type Message struct {
	Sign     protocol.Sign
	Sequence uint64
	Version  int64
	Data     []byte
}

// Acknowledge echoes the sequence number of the message it acknowledges.
type Acknowledge struct {
	Sequence uint64
}

// PublishPush is the body a PUBLISH_SERVICE push from the server carries:
// the full current provider list for one service at one version.
type PublishPush struct {
	Service   regdomain.ServiceMeta
	Providers []regdomain.RegisterMeta
}

// NewPublishRequest builds the Message a provider sends to register meta.
func NewPublishRequest(ser serializer.Serializer, seq uint64, meta regdomain.RegisterMeta) (*Message, error) {
	data, err := ser.Encode(meta)
	if err != nil {
		return nil, err
	}
	return &Message{Sign: protocol.PublishService, Sequence: seq, Data: data}, nil
}

// NewUnPublishRequest builds the Message a provider sends to deregister meta.
func NewUnPublishRequest(ser serializer.Serializer, seq uint64, meta regdomain.RegisterMeta) (*Message, error) {
	data, err := ser.Encode(meta)
	if err != nil {
		return nil, err
	}
	return &Message{Sign: protocol.UnPublishService, Sequence: seq, Data: data}, nil
}

// NewSubscribeRequest builds the Message a consumer sends to subscribe to svc.
func NewSubscribeRequest(ser serializer.Serializer, seq uint64, svc regdomain.ServiceMeta) (*Message, error) {
	data, err := ser.Encode(svc)
	if err != nil {
		return nil, err
	}
	return &Message{Sign: protocol.SubscribeService, Sequence: seq, Data: data}, nil
}

// NewPush builds the server's PUBLISH_SERVICE push carrying the full
// provider list for svc at version.
func NewPush(ser serializer.Serializer, seq uint64, version int64, svc regdomain.ServiceMeta, providers []regdomain.RegisterMeta) (*Message, error) {
	data, err := ser.Encode(PublishPush{Service: svc, Providers: providers})
	if err != nil {
		return nil, err
	}
	return &Message{Sign: protocol.PublishService, Sequence: seq, Version: version, Data: data}, nil
}

// DecodeRegisterMeta reads m.Data as a RegisterMeta (publish/unpublish path).
func DecodeRegisterMeta(ser serializer.Serializer, m *Message) (regdomain.RegisterMeta, error) {
	var rm regdomain.RegisterMeta
	err := ser.Decode(m.Data, &rm)
	return rm, err
}

// DecodeServiceMeta reads m.Data as a ServiceMeta (subscribe path).
func DecodeServiceMeta(ser serializer.Serializer, m *Message) (regdomain.ServiceMeta, error) {
	var sm regdomain.ServiceMeta
	err := ser.Decode(m.Data, &sm)
	return sm, err
}

// DecodePush reads m.Data as a PublishPush (server push, consumer side).
func DecodePush(ser serializer.Serializer, m *Message) (PublishPush, error) {
	var p PublishPush
	err := ser.Decode(m.Data, &p)
	return p, err
}

// Decode dispatches a fully-read frame by its header sign:
//   - Heartbeat produces (nil, nil, nil): no message, log-only.
//   - Publish/UnPublish/Subscribe decode the body into a Message, with Sign
//     stamped from the header (the body itself need not carry it).
//   - Ack decodes the body into an Acknowledge.
//   - anything else fails with ErrIllegalSign.
func Decode(ser serializer.Serializer, f protocol.Frame) (*Message, *Acknowledge, error) {
	switch f.Header.Sign {
	case protocol.Heartbeat:
		return nil, nil, nil

	case protocol.PublishService, protocol.UnPublishService, protocol.SubscribeService:
		var m Message
		if err := ser.Decode(f.Body, &m); err != nil {
			return nil, nil, fmt.Errorf("message: decode body: %w: %w", ErrDecodeFailure, err)
		}
		m.Sign = f.Header.Sign
		return &m, nil, nil

	case protocol.Ack:
		var a Acknowledge
		if err := ser.Decode(f.Body, &a); err != nil {
			return nil, nil, fmt.Errorf("message: decode ack: %w: %w", ErrDecodeFailure, err)
		}
		return nil, &a, nil

	default:
		return nil, nil, ErrIllegalSign
	}
}

// EncodeFrame serializes m (the whole Message envelope) into a frame body.
// It writes no header; callers pass the body to WriteFrame or
// protocol.Encode together with m.Sign so header and body agree on what
// kind of payload this is.
func EncodeFrame(ser serializer.Serializer, m *Message) ([]byte, error) {
	return ser.Encode(m)
}

// EncodeAck serializes an Acknowledge body for the ACK sign.
func EncodeAck(ser serializer.Serializer, seq uint64) ([]byte, error) {
	return ser.Encode(Acknowledge{Sequence: seq})
}
