// Package profile defines the caller identity model: profiles, their scope
// ACLs, and the role grants the router's scope check runs against.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Scope is the privilege level a route demands and a role grant confers.
// Levels are ordered; a grant at WRITE satisfies a PRIVATE route.
type Scope uint8

const (
	ScopePublic Scope = iota
	ScopePrivate
	ScopeWrite
	ScopeSystem
)

var scopeNames = map[Scope]string{
	ScopePublic:  "PUBLIC",
	ScopePrivate: "PRIVATE",
	ScopeWrite:   "WRITE",
	ScopeSystem:  "SYSTEM",
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scope(%d)", uint8(s))
}

// ParseScope converts a stored scope name back to its level.
func ParseScope(name string) (Scope, error) {
	switch strings.ToUpper(name) {
	case "PUBLIC":
		return ScopePublic, nil
	case "PRIVATE":
		return ScopePrivate, nil
	case "WRITE":
		return ScopeWrite, nil
	case "SYSTEM":
		return ScopeSystem, nil
	default:
		return ScopePublic, fmt.Errorf("unknown scope %q", name)
	}
}

// ErrNotFound is returned when no profile exists for the requested id.
var ErrNotFound = errors.New("profile not found")

// Repository loads profiles with their scope ACLs and role grants attached.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Profile, error)
}

// Role is a named bundle of grants. A grant maps a route pattern ("*",
// "/api/units/*", or an exact path) to the scope the role confers there.
type Role struct {
	ID     int64
	Name   string
	Grants map[string]Scope
}

// Profile is the identity a verified token resolves to.
type Profile struct {
	ID             int64
	AccountID      int64
	DisplayName    string
	DefaultScopeID int64
	ScopeIDs       []int64
	Roles          []Role
}

// CanAccessScope reports whether the profile's ACL covers the given scope
// entity. The default scope is always accessible.
func (p *Profile) CanAccessScope(scopeEntityID int64) bool {
	if scopeEntityID == p.DefaultScopeID {
		return true
	}
	for _, id := range p.ScopeIDs {
		if id == scopeEntityID {
			return true
		}
	}
	return false
}

// Permissions merges the profile's role grants into a single pattern map,
// keeping the highest scope when roles overlap.
func (p *Profile) Permissions() map[string]Scope {
	merged := make(map[string]Scope)
	for _, role := range p.Roles {
		for pattern, scope := range role.Grants {
			if cur, ok := merged[pattern]; !ok || scope > cur {
				merged[pattern] = scope
			}
		}
	}
	return merged
}

// GrantedScope resolves the scope the permission map confers for a URI: the
// highest scope among "*" and every pattern matching the URI. Patterns
// ending in "/*" match by prefix; anything else matches exactly.
func GrantedScope(perms map[string]Scope, uri string) (Scope, bool) {
	granted := ScopePublic
	matched := false
	for pattern, scope := range perms {
		if !patternMatches(pattern, uri) {
			continue
		}
		matched = true
		if scope > granted {
			granted = scope
		}
	}
	return granted, matched
}

func patternMatches(pattern, uri string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return uri == prefix || strings.HasPrefix(uri, prefix+"/")
	}
	return pattern == uri
}
