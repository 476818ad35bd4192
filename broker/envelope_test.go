package broker

import "testing"

func TestEnvelopeProps(t *testing.T) {
	e := &Envelope{}
	if _, ok := e.TypeName(); ok {
		t.Fatal("should not have TypeName")
	}
	e.SetProp(PropTypeName, "ProductCreated")
	e.SetProp("Priority", 3)

	if n, ok := e.TypeName(); !ok || n != "ProductCreated" {
		t.Fatalf("type name: %v", n)
	}
	if v, ok := e.PropStr("Priority"); !ok || v != "3" {
		t.Fatalf("priority: %v", v)
	}

	e.SetProp(PropTypeName, "")
	if _, ok := e.TypeName(); ok {
		t.Fatal("empty TypeName should be treated as missing")
	}
}

func TestEnvelopeCopy(t *testing.T) {
	e := &Envelope{MessageId: "1", Body: []byte("abc"), Properties: map[string]any{"k": "v"}}
	c := e.Copy()
	c.Body[0] = 'x'
	c.Properties["k"] = "changed"
	if string(e.Body) != "abc" {
		t.Fatalf("body: %s", e.Body)
	}
	if e.Properties["k"] != "v" {
		t.Fatalf("props: %v", e.Properties)
	}
	if c.MessageId != "1" {
		t.Fatal("message id not copied")
	}
}
