package entity

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/curtisnewbie/misobus/util/errs"
)

const (
	subscriptionsSegment = "/subscriptions/"
)

// Mapping from a message type to a broker entity.
//
// Mapping is an immutable value, two mappings are equal (==) when all fields are equal.
type Mapping struct {
	MessageType reflect.Type
	Path        string
	Kind        Kind
	Options     CreationOptions
	ReceiveMode ReceiveMode
}

// Key identifying the broker entity, path is case insensitive.
func (m Mapping) Key() Key {
	return NewKey(m.Kind, m.Path)
}

// Copy of the mapping with the given receive mode.
func (m Mapping) WithReceiveMode(r ReceiveMode) Mapping {
	m.ReceiveMode = r
	return m
}

// Copy of the mapping with the given creation options.
func (m Mapping) WithOptions(c CreationOptions) Mapping {
	m.Options = c
	return m
}

func (m Mapping) String() string {
	return fmt.Sprintf("{type: %v, path: '%v', kind: %v, options: %v, receiveMode: %v}",
		m.MessageType, m.Path, m.Kind, m.Options, m.ReceiveMode)
}

// Create Mapping for message type T, T can be an interface (e.g., message.Event) or a concrete type.
func MappingFor[T any](path string, kind Kind, opts CreationOptions) Mapping {
	return Mapping{MessageType: TypeOf[T](), Path: path, Kind: kind, Options: opts}
}

// Key of a broker entity, used to deduplicate entity verification.
type Key struct {
	Kind Kind
	Path string
}

func NewKey(kind Kind, path string) Key {
	return Key{Kind: kind, Path: strings.ToLower(path)}
}

func (k Key) String() string {
	return fmt.Sprintf("%v:%v", k.Kind, k.Path)
}

// Parse subscription path in format: 'topicPath/subscriptions/name'.
func ParseSubscriptionPath(path string) (topic string, name string, ok bool) {
	i := strings.LastIndex(path, subscriptionsSegment)
	if i < 1 {
		return "", "", false
	}
	topic = path[:i]
	name = path[i+len(subscriptionsSegment):]
	if name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return topic, name, true
}

// Build subscription path in format: 'topicPath/subscriptions/name'.
func SubscriptionPath(topic string, name string) string {
	return topic + subscriptionsSegment + name
}

// Validate configured mappings.
//
// At most one mapping is allowed for each (messageType, kind) pair.
func Validate(mappings []Mapping) error {
	if len(mappings) < 1 {
		return errs.ErrEmptyMappings.New()
	}

	type typeKind struct {
		t reflect.Type
		k Kind
	}
	seen := make(map[typeKind]Mapping, len(mappings))

	for _, m := range mappings {
		if m.MessageType == nil {
			return errs.ErrInvalidMapping.WithInternalMsg("message type is missing, path: '%v'", m.Path)
		}
		if strings.TrimSpace(m.Path) == "" {
			return errs.ErrInvalidMapping.WithInternalMsg("path is empty, type: %v", m.MessageType)
		}
		switch m.Kind {
		case Queue, Topic:
		case Subscription:
			if _, _, ok := ParseSubscriptionPath(m.Path); !ok {
				return errs.ErrInvalidMapping.WithInternalMsg("subscription path '%v' is not in format 'topic/subscriptions/name'", m.Path)
			}
		default:
			return errs.ErrInvalidMapping.WithInternalMsg("unknown entity kind %d, path: '%v'", m.Kind, m.Path)
		}

		tk := typeKind{t: m.MessageType, k: m.Kind}
		if prev, ok := seen[tk]; ok {
			return errs.ErrDuplicateMapping.WithInternalMsg("message type %v is mapped to %v more than once, paths: '%v', '%v'",
				m.MessageType, m.Kind, prev.Path, m.Path)
		}
		seen[tk] = m
	}
	return nil
}
