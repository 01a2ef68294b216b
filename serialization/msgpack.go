package serialization

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/courierhq/courier/contracts"
)

// msgpackEnvelope is the body layout of the msgpack serializer.
// Stamps travel in the body so binary data never ends up in string headers.
type msgpackEnvelope struct {
	Type    string                        `msgpack:"type"`
	Message msgpack.RawMessage            `msgpack:"message"`
	Stamps  map[string]msgpack.RawMessage `msgpack:"stamps,omitempty"`
}

// MsgpackSerializer encodes envelopes with MessagePack.
// Struct fields fall back to their json tags when no msgpack tag is present.
type MsgpackSerializer struct {
	registry TypeRegistry
}

// NewMsgpackSerializer creates a msgpack serializer using registry, or the global one when nil
func NewMsgpackSerializer(registry TypeRegistry) *MsgpackSerializer {
	if registry == nil {
		registry = globalRegistry
	}
	return &MsgpackSerializer{registry: registry}
}

// Encode serializes an envelope
func (s *MsgpackSerializer) Encode(env *contracts.Envelope) (*Encoded, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	typeName, err := s.registry.GetTypeName(env.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	message, err := marshalMsgpack(env.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", typeName, err)
	}

	wire := msgpackEnvelope{Type: typeName, Message: message, Stamps: map[string]msgpack.RawMessage{}}
	for name, stamps := range groupStamps(s.registry, env) {
		data, err := marshalMsgpack(stamps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s stamps: %w", name, err)
		}
		wire.Stamps[name] = data
	}

	body, err := marshalMsgpack(&wire)
	if err != nil {
		return nil, err
	}

	return &Encoded{
		Body: body,
		Headers: map[string]string{
			HeaderType:        typeName,
			HeaderContentType: "application/x-msgpack",
		},
	}, nil
}

// Decode deserializes an envelope
func (s *MsgpackSerializer) Decode(enc *Encoded) (*contracts.Envelope, error) {
	if enc == nil || len(enc.Body) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("encoded envelope should have at least a body")}
	}

	var wire msgpackEnvelope
	if err := unmarshalMsgpack(enc.Body, &wire); err != nil {
		return nil, &DecodeError{TypeName: enc.Headers[HeaderType], Err: err}
	}
	if wire.Type == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	target, err := s.registry.NewValue(wire.Type)
	if err != nil {
		return nil, &DecodeError{TypeName: wire.Type, Err: err}
	}
	if err := unmarshalMsgpack(wire.Message, target); err != nil {
		return nil, &DecodeError{TypeName: wire.Type, Err: err}
	}

	var stamps []contracts.Stamp
	for _, name := range sortedKeys(wire.Stamps) {
		raw := wire.Stamps[name]
		decoded, err := decodeStamps(s.registry, name, func(v any) error {
			return unmarshalMsgpack(raw, v)
		})
		if err != nil {
			return nil, &DecodeError{TypeName: wire.Type, Err: err}
		}
		stamps = append(stamps, decoded...)
	}

	return contracts.NewEnvelope(s.registry.Normalize(wire.Type, target), stamps...), nil
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
