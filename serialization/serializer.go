package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/courierhq/courier/contracts"
)

const (
	// HeaderType carries the registered message type name
	HeaderType = "type"
	// HeaderContentType carries the body encoding
	HeaderContentType = "Content-Type"
	// StampHeaderPrefix prefixes one header per stamp kind
	StampHeaderPrefix = "X-Message-Stamp-"
)

// Encoded is an envelope ready to leave the process
type Encoded struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Serializer converts envelopes to and from their transport representation
type Serializer interface {
	Encode(env *contracts.Envelope) (*Encoded, error)
	Decode(enc *Encoded) (*contracts.Envelope, error)
}

// JSONSerializer encodes the message as a JSON body and each stamp kind as a JSON header.
// Only registered stamp kinds are kept; non-sendable stamps are always dropped.
type JSONSerializer struct {
	registry    TypeRegistry
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithTypeRegistry sets the type registry
func WithTypeRegistry(registry TypeRegistry) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.registry = registry
	}
}

// WithPrettyPrint enables pretty printing of the body
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer backed by the global registry by default
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{
		registry: globalRegistry,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Encode serializes an envelope
func (s *JSONSerializer) Encode(env *contracts.Envelope) (*Encoded, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	typeName, err := s.registry.GetTypeName(env.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	var body []byte
	if s.prettyPrint {
		body, err = json.MarshalIndent(env.Message(), "", "  ")
	} else {
		body, err = json.Marshal(env.Message())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", typeName, err)
	}

	headers := map[string]string{
		HeaderType:        typeName,
		HeaderContentType: "application/json",
	}
	for name, stamps := range groupStamps(s.registry, env) {
		data, err := json.Marshal(stamps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s stamps: %w", name, err)
		}
		headers[StampHeaderPrefix+name] = string(data)
	}

	return &Encoded{Body: body, Headers: headers}, nil
}

// Decode deserializes an envelope
func (s *JSONSerializer) Decode(enc *Encoded) (*contracts.Envelope, error) {
	if enc == nil || len(enc.Body) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("encoded envelope should have at least a body")}
	}

	typeName := enc.Headers[HeaderType]
	if typeName == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	target, err := s.registry.NewValue(typeName)
	if err != nil {
		return nil, &DecodeError{TypeName: typeName, Err: err}
	}
	if err := json.Unmarshal(enc.Body, target); err != nil {
		return nil, &DecodeError{TypeName: typeName, Err: err}
	}

	var stamps []contracts.Stamp
	for _, key := range sortedKeys(enc.Headers) {
		if !strings.HasPrefix(key, StampHeaderPrefix) {
			continue
		}
		decoded, err := decodeStamps(s.registry, strings.TrimPrefix(key, StampHeaderPrefix), func(v any) error {
			return json.Unmarshal([]byte(enc.Headers[key]), v)
		})
		if err != nil {
			return nil, &DecodeError{TypeName: typeName, Err: err}
		}
		stamps = append(stamps, decoded...)
	}

	return contracts.NewEnvelope(s.registry.Normalize(typeName, target), stamps...), nil
}

// groupStamps collects the sendable, registered stamps of env by name
func groupStamps(registry TypeRegistry, env *contracts.Envelope) map[string][]contracts.Stamp {
	grouped := make(map[string][]contracts.Stamp)
	for _, stamp := range env.Sendable().Stamps() {
		name := stamp.StampName()
		if _, ok := registry.StampType(name); !ok {
			continue
		}
		grouped[name] = append(grouped[name], stamp)
	}
	return grouped
}

// decodeStamps decodes a list of stamps of one kind. Unknown kinds are skipped.
func decodeStamps(registry TypeRegistry, name string, unmarshal func(any) error) ([]contracts.Stamp, error) {
	t, ok := registry.StampType(name)
	if !ok {
		return nil, nil
	}
	slice := reflect.New(reflect.SliceOf(t))
	if err := unmarshal(slice.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s stamps: %w", name, err)
	}
	items := slice.Elem()
	stamps := make([]contracts.Stamp, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		if stamp, ok := items.Index(i).Interface().(contracts.Stamp); ok {
			stamps = append(stamps, stamp)
		}
	}
	return stamps, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForName returns the serializer configured by name: "json" (default) or "msgpack".
func ForName(name string, registry TypeRegistry) (Serializer, error) {
	if registry == nil {
		registry = globalRegistry
	}
	switch name {
	case "", "json":
		return NewJSONSerializer(WithTypeRegistry(registry)), nil
	case "msgpack":
		return NewMsgpackSerializer(registry), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}
