package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/courierhq/courier/contracts"
)

// TypeRegistry maps message and stamp types to the names used on the wire
type TypeRegistry interface {
	// Register registers a message type with a type name
	Register(typeName string, msgType any) error

	// RegisterType registers a message type using its package qualified struct name
	RegisterType(msgType any) error

	// RegisterStamp registers a stamp type under its StampName
	RegisterStamp(stamp contracts.Stamp) error

	// Get retrieves the type for a given type name
	Get(typeName string) (reflect.Type, error)

	// NewValue returns a pointer to a fresh zero value of the registered type
	NewValue(typeName string) (any, error)

	// Normalize converts a decoded pointer into the shape the type was registered with
	Normalize(typeName string, decoded any) any

	// StampType returns the registered type of a stamp name
	StampType(stampName string) (reflect.Type, bool)

	// GetTypeName gets the registered type name for a value
	GetTypeName(msg any) (string, error)

	// IsRegistered checks if a type is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type names
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types    map[string]reflect.Type
	names    map[reflect.Type]string
	pointers map[string]bool
	stamps   map[string]reflect.Type
	mu       sync.RWMutex
}

// NewTypeRegistry creates a registry that already knows the built-in stamps
func NewTypeRegistry() *DefaultTypeRegistry {
	r := &DefaultTypeRegistry{
		types:    make(map[string]reflect.Type),
		names:    make(map[reflect.Type]string),
		pointers: make(map[string]bool),
		stamps:   make(map[string]reflect.Type),
	}
	for _, stamp := range []contracts.Stamp{
		contracts.SentStamp{},
		contracts.RedeliveryStamp{},
		contracts.DelayStamp{},
		contracts.HandledStamp{},
		contracts.TransportNamesStamp{},
		contracts.SentToFailureTransportStamp{},
		contracts.ErrorDetailsStamp{},
	} {
		_ = r.RegisterStamp(stamp)
	}
	return r
}

// Register registers a message type with a type name.
// Registering a pointer makes decoded messages pointers too.
func (r *DefaultTypeRegistry) Register(typeName string, msgType any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	pointer := t.Kind() == reflect.Ptr
	if pointer {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			r.pointers[typeName] = pointer
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	r.pointers[typeName] = pointer

	return nil
}

// RegisterType registers a message type using its struct name
func (r *DefaultTypeRegistry) RegisterType(msgType any) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	typeName := qualifiedName(reflect.TypeOf(msgType))
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %T", msgType)
	}

	return r.Register(typeName, msgType)
}

// RegisterStamp registers a stamp type so it survives a round trip through a transport
func (r *DefaultTypeRegistry) RegisterStamp(stamp contracts.Stamp) error {
	if stamp == nil {
		return fmt.Errorf("stamp cannot be nil")
	}
	name := stamp.StampName()
	if name == "" {
		return fmt.Errorf("stamp %T has an empty name", stamp)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(stamp)
	if existing, exists := r.stamps[name]; exists && existing != t {
		return fmt.Errorf("stamp name %s already registered to %v", name, existing)
	}
	r.stamps[name] = t
	return nil
}

// Get retrieves the type for a given type name
func (r *DefaultTypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}

	return t, nil
}

// NewValue returns a pointer to a new zero value of the registered type
func (r *DefaultTypeRegistry) NewValue(typeName string) (any, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// Normalize dereferences decoded when the type was registered as a value
func (r *DefaultTypeRegistry) Normalize(typeName string, decoded any) any {
	r.mu.RLock()
	pointer := r.pointers[typeName]
	r.mu.RUnlock()

	if pointer {
		return decoded
	}
	v := reflect.ValueOf(decoded)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		return v.Elem().Interface()
	}
	return decoded
}

// StampType returns the registered type for a stamp name
func (r *DefaultTypeRegistry) StampType(stampName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.stamps[stampName]
	return t, ok
}

// GetTypeName gets the registered type name for a value
func (r *DefaultTypeRegistry) GetTypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("%w: %v", ErrUnknownType, t)
	}

	return name, nil
}

// NameOf returns the registered name of msg, falling back to its qualified Go type name.
func (r *DefaultTypeRegistry) NameOf(msg any) string {
	if name, err := r.GetTypeName(msg); err == nil {
		return name
	}
	if msg == nil {
		return "<nil>"
	}
	if name := qualifiedName(reflect.TypeOf(msg)); name != "" {
		return name
	}
	return fmt.Sprintf("%T", msg)
}

// IsRegistered checks if a type is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names, sorted
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}

func qualifiedName(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return ""
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.Name()
}

// Global registry instance
var globalRegistry = NewTypeRegistry()

// GetGlobalRegistry returns the global type registry
func GetGlobalRegistry() *DefaultTypeRegistry {
	return globalRegistry
}

// NameOf returns the name of msg in the global registry
func NameOf(msg any) string {
	return globalRegistry.NameOf(msg)
}
