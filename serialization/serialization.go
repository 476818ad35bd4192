// Package serialization converts messages to and from envelope bodies.
package serialization

import (
	"reflect"

	"github.com/curtisnewbie/misobus/encoding/json"
	"github.com/curtisnewbie/misobus/entity"
	"github.com/curtisnewbie/misobus/util/errs"
)

const (
	ContentTypeJson = "application/json"
)

// Serializes message body.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	ContentType() string
}

// Deserializes envelope body to a concrete message type that is treated as T.
type Deserializer[T any] interface {
	// TypeName of the concrete message type, matched against the TypeName envelope property.
	TypeName() string
	Deserialize(body []byte) (T, error)
}

// Serializer backed by json-iterator.
type JsonSerializer struct{}

func (JsonSerializer) Serialize(v any) ([]byte, error) {
	buf, err := json.WriteJson(v)
	if err != nil {
		return nil, errs.WrapErrf(err, "failed to serialize %T", v)
	}
	return buf, nil
}

func (JsonSerializer) ContentType() string {
	return ContentTypeJson
}

type jsonDeserializer[T any] struct {
	typ  reflect.Type
	ptr  bool
	name string
}

func (d *jsonDeserializer[T]) TypeName() string {
	return d.name
}

func (d *jsonDeserializer[T]) Deserialize(body []byte) (T, error) {
	var t T
	pv := reflect.New(d.typ)
	if err := json.ParseJson(body, pv.Interface()); err != nil {
		return t, errs.WrapErrf(err, "failed to deserialize %v", d.name)
	}
	var v any
	if d.ptr {
		v = pv.Interface()
	} else {
		v = pv.Elem().Interface()
	}
	return v.(T), nil
}

// Create json Deserializer for concrete type c, the deserialized value is treated as T.
//
// If c is a pointer type, the deserializer produces pointers. Otherwise values are produced when the value type is
// assignable to T, and pointers are produced when only the pointer type is.
func JsonDeserializerOf[T any](c reflect.Type) (Deserializer[T], error) {
	if c == nil {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("deserializer type is nil")
	}
	target := entity.TypeOf[T]()
	base := entity.Deref(c)
	d := &jsonDeserializer[T]{typ: base, name: entity.TypeName(base)}

	switch {
	case c.Kind() == reflect.Pointer && c.AssignableTo(target):
		d.ptr = true
	case base.AssignableTo(target):
	case reflect.PointerTo(base).AssignableTo(target):
		d.ptr = true
	default:
		return nil, errs.ErrIllegalArgument.WithInternalMsg("%v cannot be deserialized as %v", c, target)
	}
	if base.Kind() == reflect.Interface {
		return nil, errs.ErrIllegalArgument.WithInternalMsg("%v is not a concrete type", c)
	}
	return d, nil
}

// Create json Deserializer for concrete type C, the deserialized value is treated as T.
//
// Panics if neither C nor *C is assignable to T.
func NewJsonDeserializer[C any, T any]() Deserializer[T] {
	d, err := JsonDeserializerOf[T](entity.TypeOf[C]())
	if err != nil {
		panic(err)
	}
	return d
}

// Create json Deserializers for each of the concrete types.
func JsonDeserializers[T any](types ...reflect.Type) ([]Deserializer[T], error) {
	ds := make([]Deserializer[T], 0, len(types))
	for _, t := range types {
		d, err := JsonDeserializerOf[T](t)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, nil
}
