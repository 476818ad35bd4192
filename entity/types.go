package entity

import "reflect"

const (
	maxEmbedDepth = 8
)

// Get reflect.Type of T, T can be an interface.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Dereference pointer types.
func Deref(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Check whether a and b are the same message type, pointer and value types are treated the same.
func SameType(a reflect.Type, b reflect.Type) bool {
	if a == nil || b == nil {
		return false
	}
	return a == b || Deref(a) == Deref(b)
}

// Name used to discriminate messages of type t on the wire.
//
// Pointer types are dereferenced, so *ProductCreated and ProductCreated share the same name.
func TypeName(t reflect.Type) string {
	t = Deref(t)
	if t == nil {
		return ""
	}
	if n := t.Name(); n != "" {
		return n
	}
	return t.String()
}

// Check whether ancestor is a non-identical type that t can be treated as.
//
// ancestor is either an interface implemented by t (or *t), or a struct that is embedded in t.
func IsAncestor(ancestor reflect.Type, t reflect.Type) bool {
	if ancestor == nil || t == nil || SameType(ancestor, t) {
		return false
	}
	if ancestor.Kind() == reflect.Interface {
		if t.Implements(ancestor) {
			return true
		}
		return t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface && reflect.PointerTo(t).Implements(ancestor)
	}
	return embeds(Deref(t), Deref(ancestor), 0)
}

func embeds(t reflect.Type, target reflect.Type, depth int) bool {
	if t.Kind() != reflect.Struct || depth > maxEmbedDepth {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := Deref(f.Type)
		if ft == target || embeds(ft, target, depth+1) {
			return true
		}
	}
	return false
}
