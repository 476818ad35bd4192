package entity

import "testing"

func TestCreationOptions(t *testing.T) {
	if !None().IsNone() {
		t.Fatal("None() should be none")
	}
	if UseExisting().IsNone() || CreateIfMissing().IsNone() || Temporary(false).IsNone() {
		t.Fatal("should not be none")
	}
	if s := CreateIfMissing().String(); s != "VerifyAlreadyExists|CreateIfDoesntExist" {
		t.Fatalf("string: %v", s)
	}

	tests := []struct {
		in   string
		want CreationOptions
		ok   bool
	}{
		{"", None(), true},
		{"None", None(), true},
		{"VerifyAlreadyExists", UseExisting(), true},
		{"verifyalreadyexists | createIfDoesntExist", CreateIfMissing(), true},
		{"CreateAsTemporary|RecreateExistingTemporary", Temporary(true), true},
		{"Something", None(), false},
	}
	for _, c := range tests {
		got, ok := ParseCreationOptions(c.in)
		if ok != c.ok {
			t.Fatalf("'%v' ok: %v", c.in, ok)
		}
		if ok && got != c.want {
			t.Fatalf("'%v' got: %v, want: %v", c.in, got, c.want)
		}
	}
}

func TestParseKindAndReceiveMode(t *testing.T) {
	if k, ok := ParseKind("subscription"); !ok || k != Subscription {
		t.Fatalf("kind: %v", k)
	}
	if _, ok := ParseKind("exchange"); ok {
		t.Fatal("exchange is not a kind")
	}
	if m, ok := ParseReceiveMode(""); !ok || m != PeekLock {
		t.Fatalf("mode: %v", m)
	}
	if m, ok := ParseReceiveMode("receive-and-delete"); !ok || m != ReceiveAndDelete {
		t.Fatalf("mode: %v", m)
	}
}
