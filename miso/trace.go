package miso

import (
	"github.com/curtisnewbie/misobus/util/hash"
	"github.com/spf13/cast"
)

const (
	XTraceId = "X-B3-TraceId"
	XSpanId  = "X-B3-SpanId"
)

var (
	propagationKeys = hash.NewSyncSet(XTraceId, XSpanId)
)

// Add propagation key for tracing.
//
// Values of propagation keys are copied into envelope properties by the publisher,
// and restored to the Rail of each received message.
func AddPropagationKeys(keys ...string) {
	propagationKeys.AddAll(keys)
}

// Get all existing propagation key
func GetPropagationKeys() []string {
	return propagationKeys.CopyKeys()
}

func UsePropagationKeys(forEach func(key string)) {
	for _, k := range GetPropagationKeys() {
		forEach(k)
	}
}

// Create Rail with trace values loaded from message properties.
func LoadPropagationKeys[T any](rail Rail, props map[string]T) Rail {
	UsePropagationKeys(func(k string) {
		if hv, ok := props[k]; ok {
			if s := cast.ToString(hv); s != "" {
				rail = rail.WithCtxVal(k, s)
			}
		}
	})
	return rail
}

// Build message properties carrying the trace values of the Rail.
func BuildTraceProps(rail Rail) map[string]any {
	props := map[string]any{}
	UsePropagationKeys(func(key string) {
		if v := rail.CtxValStr(key); v != "" {
			props[key] = v
		}
	})
	return props
}
