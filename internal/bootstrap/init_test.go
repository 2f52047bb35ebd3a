package bootstrap

import (
	"testing"

	"github.com/bnxthealth/channeld/internal/profile"
)

func roleGrants(t *testing.T, name string) map[string]profile.Scope {
	t.Helper()
	for _, r := range seedRoles {
		if r.name == name {
			return map[string]profile.Scope{r.pattern: r.scope}
		}
	}
	t.Fatalf("seed role %q not defined", name)
	return nil
}

func TestSeedAdminReachesSystemEverywhere(t *testing.T) {
	grants := roleGrants(t, "admin")

	for _, path := range []string{"/api/echo", "/api/_internal/stats", "/anything"} {
		got, ok := profile.GrantedScope(grants, path)
		if !ok || got != profile.ScopeSystem {
			t.Errorf("GrantedScope(admin, %q) = %v, %v; want SYSTEM, true", path, got, ok)
		}
	}
}

func TestSeedMemberWritesOnlyUnderAPI(t *testing.T) {
	grants := roleGrants(t, "member")

	got, ok := profile.GrantedScope(grants, "/api/notify")
	if !ok || got != profile.ScopeWrite {
		t.Errorf("GrantedScope(member, /api/notify) = %v, %v; want WRITE, true", got, ok)
	}
	if got, _ := profile.GrantedScope(grants, "/api/echo"); got >= profile.ScopeSystem {
		t.Errorf("member grant = %v, must stay below SYSTEM", got)
	}
	if _, ok := profile.GrantedScope(grants, "/metrics"); ok {
		t.Error("member grant must not match outside /api/")
	}
}

func TestSeedAssignsOnlyAdminToSystemProfile(t *testing.T) {
	var assigned []string
	for _, r := range seedRoles {
		if r.assign {
			assigned = append(assigned, r.name)
		}
	}
	if len(assigned) != 1 || assigned[0] != "admin" {
		t.Errorf("assigned roles = %v, want [admin]", assigned)
	}
}
