package miso

import (
	"testing"
)

func TestNextSpan(t *testing.T) {
	rail := EmptyRail()
	if rail.TraceId() == "" || rail.SpanId() == "" {
		t.Fatal("trace and span should be generated")
	}

	cancelled, cancel := rail.WithCancel()
	cancel()
	if !cancelled.IsDone() {
		t.Fatal("rail should be done")
	}

	next := cancelled.NextSpan()
	if next.IsDone() {
		t.Fatal("next span should not inherit cancellation")
	}
	if next.TraceId() != rail.TraceId() {
		t.Fatalf("trace id changed, %v -> %v", rail.TraceId(), next.TraceId())
	}
	if next.SpanId() == rail.SpanId() {
		t.Fatal("span id should change")
	}
}

func TestTraceProps(t *testing.T) {
	rail := EmptyRail()
	props := BuildTraceProps(rail)
	if props[XTraceId] != rail.TraceId() || props[XSpanId] != rail.SpanId() {
		t.Fatalf("props: %v", props)
	}

	loaded := LoadPropagationKeys(EmptyRail(), map[string]any{XTraceId: "abc", "other": 1})
	if loaded.TraceId() != "abc" {
		t.Fatalf("trace id: %v", loaded.TraceId())
	}
	if loaded.SpanId() == "" {
		t.Fatal("span id should be kept")
	}
}
