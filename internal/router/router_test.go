package router

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/profile"
)

func newTestContext(method, path string) *Context {
	return NewContext(context.Background(), TransportHTTP, method, path)
}

func okHandler(marker string) Handler {
	return func(rc *Context) error {
		rc.Respond(marker)
		return nil
	}
}

func dispatch(t *testing.T, r *Router, rc *Context) error {
	t.Helper()
	return r.Dispatch(rc)
}

func TestLookupExactBeatsPrefix(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/units/*", profile.ScopePublic, okHandler("prefix"))
	r.Get("/api/units/list", profile.ScopePublic, okHandler("exact"))

	rc := newTestContext(http.MethodGet, "/api/units/list")
	if err := dispatch(t, r, rc); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if rc.Payload() != "exact" {
		t.Errorf("payload = %v, want exact route to win", rc.Payload())
	}
}

func TestLookupLongestPrefixWins(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/*", profile.ScopePublic, okHandler("short"))
	r.Get("/api/units/*", profile.ScopePublic, okHandler("long"))

	rc := newTestContext(http.MethodGet, "/api/units/2/visits")
	if err := dispatch(t, r, rc); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if rc.Payload() != "long" {
		t.Errorf("payload = %v, want longest prefix to win", rc.Payload())
	}
}

func TestLookupPrefixMatchesItsRoot(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/units/*", profile.ScopePublic, okHandler("prefix"))

	if _, apiErr := r.Lookup(http.MethodGet, "/api/units"); apiErr != nil {
		t.Errorf("Lookup(/api/units) error = %v, want prefix root match", apiErr)
	}
	if _, apiErr := r.Lookup(http.MethodGet, "/api/unitsuffix"); apiErr == nil {
		t.Error("Lookup(/api/unitsuffix) should not match /api/units/*")
	}
}

func TestLookupNotFoundAndMethodNotAllowed(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/status", profile.ScopePublic, okHandler("x"))
	r.Post("/api/tasks/*", profile.ScopePublic, okHandler("y"))

	_, apiErr := r.Lookup(http.MethodGet, "/api/missing")
	if apiErr == nil || apiErr.Status != 404 || apiErr.Code != CodeNotFound {
		t.Errorf("unknown path error = %+v, want 404 not_found", apiErr)
	}

	_, apiErr = r.Lookup(http.MethodDelete, "/api/status")
	if apiErr == nil || apiErr.Status != 405 || apiErr.Code != CodeMethodNotAllowed {
		t.Errorf("wrong method on exact path error = %+v, want 405", apiErr)
	}

	_, apiErr = r.Lookup(http.MethodGet, "/api/tasks/run")
	if apiErr == nil || apiErr.Status != 405 {
		t.Errorf("wrong method on prefix path error = %+v, want 405", apiErr)
	}
}

func TestLoadLaterModuleOverrides(t *testing.T) {
	stock := ModuleFunc(func(r *Router) {
		r.Get("/api/report", profile.ScopePublic, okHandler("stock"))
	})
	custom := ModuleFunc(func(r *Router) {
		r.Get("/api/report", profile.ScopePublic, okHandler("custom"))
	})

	r := New("", zerolog.Nop())
	r.Load(stock, custom)

	rc := newTestContext(http.MethodGet, "/api/report")
	if err := dispatch(t, r, rc); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if rc.Payload() != "custom" {
		t.Errorf("payload = %v, want later module to override", rc.Payload())
	}
}

func TestDispatchScopePublicAllowsAnonymous(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/status", profile.ScopePublic, okHandler("ok"))

	if err := dispatch(t, r, newTestContext(http.MethodGet, "/api/status")); err != nil {
		t.Errorf("public route with no identity error = %v", err)
	}
}

func TestDispatchPrivateRequiresIdentity(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/me", profile.ScopePrivate, okHandler("ok"))

	err := dispatch(t, r, newTestContext(http.MethodGet, "/api/me"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Errorf("anonymous private error = %v, want 401", err)
	}
}

func TestDispatchScopeLadder(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/units/list", profile.ScopePrivate, okHandler("read"))
	r.Post("/api/units/create", profile.ScopeWrite, okHandler("write"))

	rc := newTestContext(http.MethodGet, "/api/units/list")
	rc.SetIdentity(&Identity{ProfileID: 42})
	rc.SetPermissions(map[string]profile.Scope{"/api/units/*": profile.ScopePrivate})
	if err := dispatch(t, r, rc); err != nil {
		t.Errorf("PRIVATE grant on PRIVATE route error = %v", err)
	}

	rc = newTestContext(http.MethodPost, "/api/units/create")
	rc.SetIdentity(&Identity{ProfileID: 42})
	rc.SetPermissions(map[string]profile.Scope{"/api/units/*": profile.ScopePrivate})
	err := dispatch(t, r, rc)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Errorf("PRIVATE grant on WRITE route error = %v, want 403", err)
	}

	rc = newTestContext(http.MethodPost, "/api/units/create")
	rc.SetIdentity(&Identity{ProfileID: 42})
	rc.SetPermissions(map[string]profile.Scope{"*": profile.ScopeWrite})
	if err := dispatch(t, r, rc); err != nil {
		t.Errorf("wildcard WRITE grant on WRITE route error = %v", err)
	}
}

func TestDispatchSystemKeyGate(t *testing.T) {
	r := New("shared-system-key", zerolog.Nop())
	r.Get("/_internal/cache/metrics", profile.ScopeSystem, okHandler("ok"))

	rc := newTestContext(http.MethodGet, "/_internal/cache/metrics")
	rc.SetHeader(HeaderSystemKey, "shared-system-key")
	rc.SetRemoteIP("203.0.113.9")
	if err := dispatch(t, r, rc); err != nil {
		t.Errorf("correct system key error = %v", err)
	}

	rc = newTestContext(http.MethodGet, "/_internal/cache/metrics")
	rc.SetHeader(HeaderSystemKey, "wrong")
	rc.SetRemoteIP("203.0.113.9")
	err := dispatch(t, r, rc)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Errorf("wrong system key error = %v, want 403", err)
	}
}

func TestDispatchSystemLoopbackGate(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/_internal/cache/metrics", profile.ScopeSystem, okHandler("ok"))

	for _, ip := range []string{"127.0.0.1", "::1"} {
		rc := newTestContext(http.MethodGet, "/_internal/cache/metrics")
		rc.SetRemoteIP(ip)
		if err := dispatch(t, r, rc); err != nil {
			t.Errorf("loopback %s error = %v", ip, err)
		}
	}

	rc := newTestContext(http.MethodGet, "/_internal/cache/metrics")
	rc.SetRemoteIP("203.0.113.9")
	if err := dispatch(t, r, rc); err == nil {
		t.Error("non-loopback without key should be rejected")
	}
}

func TestDispatchSystemGrantGate(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/_internal/stats", profile.ScopeSystem, okHandler("ok"))

	rc := newTestContext(http.MethodGet, "/_internal/stats")
	rc.SetRemoteIP("203.0.113.9")
	rc.SetIdentity(&Identity{ProfileID: 1})
	rc.SetPermissions(map[string]profile.Scope{"*": profile.ScopeSystem})
	if err := dispatch(t, r, rc); err != nil {
		t.Errorf("SYSTEM grant error = %v", err)
	}
}

func TestRoutesListing(t *testing.T) {
	r := New("", zerolog.Nop())
	r.Get("/api/b", profile.ScopePublic, okHandler("b"))
	r.Get("/api/a", profile.ScopePrivate, okHandler("a"))
	r.Post("/api/a", profile.ScopeWrite, okHandler("a2"))
	r.Get("/api/tasks/*", profile.ScopeSystem, okHandler("t"))

	routes := r.Routes()
	if len(routes) != 4 {
		t.Fatalf("Routes() returned %d entries, want 4", len(routes))
	}
	if routes[0].Path != "/api/a" || routes[0].Method != http.MethodGet {
		t.Errorf("routes[0] = %+v, want GET /api/a first", routes[0])
	}
	if routes[3].Path != "/api/tasks/*" {
		t.Errorf("routes[3] = %+v, want wildcard path listed with /*", routes[3])
	}
}
