// Package property manages providers of envelope properties.
package property

import (
	"reflect"
	"sync"

	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/util/errs"
)

// Envelope property.
type Property struct {
	Key   string
	Value any
}

// Provides envelope properties for messages of type T.
type Provider[T any] interface {
	Properties(msg T) []Property
}

type ProviderFunc[T any] func(msg T) []Property

func (f ProviderFunc[T]) Properties(msg T) []Property {
	return f(msg)
}

type composite []Provider[any]

func (c composite) Properties(msg any) []Property {
	var props []Property
	for _, p := range c {
		props = append(props, p.Properties(msg)...)
	}
	return props
}

// Registry of property providers per concrete message type.
//
// Pointer and value types share the same providers. Providers are kept in registration order,
// the properties they produce are concatenated in the same order.
type Manager struct {
	mu        sync.RWMutex
	types     []reflect.Type
	providers map[reflect.Type][]Provider[any]
}

func NewManager() *Manager {
	return &Manager{providers: map[reflect.Type][]Provider[any]{}}
}

// Register provider for concrete message type t.
func (m *Manager) Register(t reflect.Type, p Provider[any]) error {
	if t == nil || p == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("message type or provider is nil")
	}
	t = entity.Deref(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[t]; !ok {
		m.types = append(m.types, t)
	}
	m.providers[t] = append(m.providers[t], p)
	return nil
}

// Registered message types in registration order.
func (m *Manager) Types() []reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]reflect.Type(nil), m.types...)
}

// Get composite provider for concrete message type t.
//
// Provider for unregistered type returns no property.
func (m *Manager) Get(t reflect.Type) Provider[any] {
	if t == nil {
		return composite(nil)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps := m.providers[entity.Deref(t)]
	return append(composite(nil), ps...)
}

// Collect properties of the message from the providers registered for its concrete type.
func (m *Manager) Properties(msg any) []Property {
	if msg == nil {
		return nil
	}
	return m.Get(reflect.TypeOf(msg)).Properties(msg)
}

// Register typed provider for concrete message type T.
func Register[T any](m *Manager, p Provider[T]) error {
	if p == nil {
		return errs.ErrIllegalArgument.WithInternalMsg("provider is nil")
	}
	return m.Register(entity.TypeOf[T](), Untyped(p))
}

// Convert typed provider to Provider[any], messages that cannot be treated as T yield no property.
func Untyped[T any](p Provider[T]) Provider[any] {
	return ProviderFunc[any](func(msg any) []Property {
		if v, ok := asT[T](msg); ok {
			return p.Properties(v)
		}
		return nil
	})
}

// Register typed provider func for concrete message type T.
func RegisterFunc[T any](m *Manager, f func(msg T) []Property) error {
	return Register[T](m, ProviderFunc[T](f))
}

func asT[T any](msg any) (T, bool) {
	if v, ok := msg.(T); ok {
		return v, true
	}
	var t T
	rv := reflect.ValueOf(msg)
	if !rv.IsValid() {
		return t, false
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return t, false
		}
		v, ok := rv.Elem().Interface().(T)
		return v, ok
	}
	pv := reflect.New(rv.Type())
	pv.Elem().Set(rv)
	v, ok := pv.Interface().(T)
	return v, ok
}
