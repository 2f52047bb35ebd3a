package profile

import (
	"testing"
)

func TestScopeOrdering(t *testing.T) {
	if !(ScopePublic < ScopePrivate && ScopePrivate < ScopeWrite && ScopeWrite < ScopeSystem) {
		t.Fatal("scope levels must be strictly ordered PUBLIC < PRIVATE < WRITE < SYSTEM")
	}
}

func TestParseScopeRoundTrip(t *testing.T) {
	for _, s := range []Scope{ScopePublic, ScopePrivate, ScopeWrite, ScopeSystem} {
		got, err := ParseScope(s.String())
		if err != nil {
			t.Fatalf("ParseScope(%q) error = %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseScope(%q) = %v, want %v", s.String(), got, s)
		}
	}

	if _, err := ParseScope("ADMIN"); err == nil {
		t.Error("ParseScope(\"ADMIN\") should fail")
	}

	// Stored names may come back in any case.
	if got, err := ParseScope("write"); err != nil || got != ScopeWrite {
		t.Errorf("ParseScope(\"write\") = %v, %v, want WRITE", got, err)
	}
}

func TestCanAccessScope(t *testing.T) {
	p := &Profile{ID: 1, DefaultScopeID: 100, ScopeIDs: []int64{100, 200, 300}}

	if !p.CanAccessScope(100) {
		t.Error("default scope should always be accessible")
	}
	if !p.CanAccessScope(200) {
		t.Error("listed scope 200 should be accessible")
	}
	if p.CanAccessScope(999) {
		t.Error("unlisted scope 999 should not be accessible")
	}

	// The default scope counts even when the ACL list omits it.
	q := &Profile{ID: 2, DefaultScopeID: 7}
	if !q.CanAccessScope(7) {
		t.Error("default scope should be accessible without an ACL entry")
	}
}

func TestPermissionsMergeKeepsHighestScope(t *testing.T) {
	p := &Profile{
		Roles: []Role{
			{ID: 1, Name: "reader", Grants: map[string]Scope{
				"/api/units/*": ScopePrivate,
				"/api/status":  ScopePublic,
			}},
			{ID: 2, Name: "editor", Grants: map[string]Scope{
				"/api/units/*": ScopeWrite,
				"*":            ScopePrivate,
			}},
		},
	}

	perms := p.Permissions()
	if got := perms["/api/units/*"]; got != ScopeWrite {
		t.Errorf("merged /api/units/* = %v, want WRITE", got)
	}
	if got := perms["/api/status"]; got != ScopePublic {
		t.Errorf("merged /api/status = %v, want PUBLIC", got)
	}
	if got := perms["*"]; got != ScopePrivate {
		t.Errorf("merged * = %v, want PRIVATE", got)
	}
}

func TestGrantedScope(t *testing.T) {
	perms := map[string]Scope{
		"*":               ScopePrivate,
		"/api/units/*":    ScopeWrite,
		"/api/admin/keys": ScopeSystem,
	}

	tests := []struct {
		uri     string
		want    Scope
		matched bool
	}{
		{"/api/visits", ScopePrivate, true},          // only * matches
		{"/api/units/2/visits", ScopeWrite, true},    // prefix beats *
		{"/api/units", ScopeWrite, true},             // prefix pattern matches its own root
		{"/api/unitsuffix", ScopePrivate, true},      // no partial-segment prefix match
		{"/api/admin/keys", ScopeSystem, true},       // exact beats *
		{"/api/admin/keys/rotate", ScopePrivate, true}, // exact does not match children
	}
	for _, tt := range tests {
		got, matched := GrantedScope(perms, tt.uri)
		if got != tt.want || matched != tt.matched {
			t.Errorf("GrantedScope(%q) = %v, %v, want %v, %v", tt.uri, got, matched, tt.want, tt.matched)
		}
	}

	if _, matched := GrantedScope(map[string]Scope{"/api/a": ScopeWrite}, "/api/b"); matched {
		t.Error("GrantedScope should report no match for unrelated URI")
	}
}
