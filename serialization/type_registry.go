package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps simple type names to Go types. The simple name is the
// root element name used on the wire, so it doubles as the routing key for
// tag sniffing.
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a message type with a type name
func (r *TypeRegistry) Register(typeName string, msgType interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	var t reflect.Type
	if rt, ok := msgType.(reflect.Type); ok {
		t = Normalize(rt)
	} else {
		t = Normalize(reflect.TypeOf(msgType))
	}

	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName

	return nil
}

// RegisterType registers a message type under its simple struct name
func (r *TypeRegistry) RegisterType(msgType interface{}) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	var t reflect.Type
	if rt, ok := msgType.(reflect.Type); ok {
		t = Normalize(rt)
	} else {
		t = Normalize(reflect.TypeOf(msgType))
	}

	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}

	return r.Register(typeName, t)
}

// Get retrieves the type for a given type name
func (r *TypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	return t, nil
}

// CreateInstance returns a pointer to a new zero value of the registered type
func (r *TypeRegistry) CreateInstance(typeName string) (interface{}, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}

	return reflect.New(t).Interface(), nil
}

// TypeName gets the registered type name for a value
func (r *TypeRegistry) TypeName(msg interface{}) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := Normalize(reflect.TypeOf(msg))

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("type %v not registered", t)
	}

	return name, nil
}

// IsRegistered checks if a type is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}

// Normalize strips pointer indirections so *T and T share one descriptor
func Normalize(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// SimpleName returns the unqualified name of a (possibly pointer) type
func SimpleName(t reflect.Type) string {
	t = Normalize(t)
	if t == nil {
		return ""
	}
	return t.Name()
}
