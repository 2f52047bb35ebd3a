package router

import (
	"context"
	"testing"
)

func TestArgsPreserveRawTypes(t *testing.T) {
	// URI pairs arrive as strings, explicit query values keep their JSON type.
	a := Args{"page": "2", "limit": float64(10)}

	if v, _ := a.Get("page"); v != "2" {
		t.Errorf("page raw = %v (%T), want string \"2\"", v, v)
	}
	if v, _ := a.Get("limit"); v != float64(10) {
		t.Errorf("limit raw = %v (%T), want float64 10", v, v)
	}
}

func TestArgsInt64Coercion(t *testing.T) {
	a := Args{
		"str":   "42",
		"num":   float64(7),
		"frac":  float64(2.5),
		"word":  "seven",
		"big":   int64(1 << 40),
		"plain": 3,
	}

	tests := []struct {
		key  string
		want int64
		ok   bool
	}{
		{"str", 42, true},
		{"num", 7, true},
		{"frac", 0, false},
		{"word", 0, false},
		{"big", 1 << 40, true},
		{"plain", 3, true},
		{"absent", 0, false},
	}
	for _, tt := range tests {
		got, ok := a.Int64(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Int64(%q) = %d, %v, want %d, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestArgsString(t *testing.T) {
	a := Args{"s": "hello", "n": float64(2), "f": float64(2.5), "b": true}

	tests := []struct {
		key  string
		want string
	}{
		{"s", "hello"},
		{"n", "2"},
		{"f", "2.5"},
		{"b", "true"},
		{"absent", ""},
	}
	for _, tt := range tests {
		if got := a.String(tt.key); got != tt.want {
			t.Errorf("String(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestArgsBool(t *testing.T) {
	a := Args{"b": true, "s1": "true", "s0": "0", "bad": "yes"}

	if v, ok := a.Bool("b"); !ok || !v {
		t.Errorf("Bool(b) = %v, %v", v, ok)
	}
	if v, ok := a.Bool("s1"); !ok || !v {
		t.Errorf("Bool(s1) = %v, %v", v, ok)
	}
	if v, ok := a.Bool("s0"); !ok || v {
		t.Errorf("Bool(s0) = %v, %v", v, ok)
	}
	if _, ok := a.Bool("bad"); ok {
		t.Error("Bool(bad) should not coerce \"yes\"")
	}
}

func TestArgsFloat(t *testing.T) {
	a := Args{"f": float64(2.5), "s": "3.25", "bad": "x"}

	if v, ok := a.Float("f"); !ok || v != 2.5 {
		t.Errorf("Float(f) = %v, %v", v, ok)
	}
	if v, ok := a.Float("s"); !ok || v != 3.25 {
		t.Errorf("Float(s) = %v, %v", v, ok)
	}
	if _, ok := a.Float("bad"); ok {
		t.Error("Float(bad) should fail")
	}
}

func TestContextRespondDefaultsStatus(t *testing.T) {
	rc := NewContext(context.Background(), TransportWS, "GET", "/api/x")

	rc.Respond(map[string]any{"ok": true})
	if rc.Status() != 200 {
		t.Errorf("Status() = %d, want 200 default", rc.Status())
	}

	rc = NewContext(context.Background(), TransportHTTP, "POST", "/api/x")
	rc.SetStatus(201)
	rc.Respond("created")
	if rc.Status() != 201 {
		t.Errorf("Status() = %d, want explicit 201 kept", rc.Status())
	}
}

func TestContextDefer(t *testing.T) {
	rc := NewContext(context.Background(), TransportWS, "POST", "/api/report")
	if rc.Deferred() {
		t.Fatal("new context should not be deferred")
	}
	rc.Defer()
	if !rc.Deferred() {
		t.Error("Defer() should mark the context deferred")
	}
}

func TestContextHeaderCanonicalization(t *testing.T) {
	rc := NewContext(context.Background(), TransportWS, "GET", "/api/x")
	rc.SetHeader("x-system-key", "k")

	if got := rc.Header("X-System-Key"); got != "k" {
		t.Errorf("Header lookup across casings = %q, want %q", got, "k")
	}
}
