// Package router matches method+path pairs to scoped handlers for both
// transports. The HTTP adapter and the WS frame pipeline dispatch through the
// same table, so a route behaves identically no matter how it arrived.
package router

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/profile"
)

// HeaderSystemKey carries the pre-shared key that authorizes SYSTEM routes
// for processes that hold no token.
const HeaderSystemKey = "X-System-Key"

// Handler processes one request. Returning an *APIError sends that error to
// the client; any other error is logged and mapped to a generic 500.
type Handler func(*Context) error

// Module registers a group of routes. Later modules win when they re-register
// a method+path an earlier module claimed.
type Module interface {
	Mount(r *Router)
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(r *Router)

func (f ModuleFunc) Mount(r *Router) { f(r) }

// Route is one registered entry.
type Route struct {
	Method  string
	Path    string
	Scope   profile.Scope
	Handler Handler
}

type prefixEntry struct {
	prefix  string // path with the trailing "/*" removed
	methods map[string]*Route
}

// Router holds the route table. Build it fully (Register/Load), then publish;
// Lookup and Dispatch are read-only, so a published Router needs no locking.
// Reloads build a fresh Router and swap it in.
type Router struct {
	exact     map[string]map[string]*Route // path → method → route
	prefixes  []*prefixEntry               // sorted longest prefix first
	systemKey []byte
	log       zerolog.Logger
}

// New creates an empty route table. systemKey may be empty, which disables
// the header gate and leaves loopback as the only keyless SYSTEM entry.
func New(systemKey string, logger zerolog.Logger) *Router {
	return &Router{
		exact:     make(map[string]map[string]*Route),
		systemKey: []byte(systemKey),
		log:       logger,
	}
}

// Register records a handler for the given methods and path. A path ending in
// "/*" matches itself and everything below it. Registering an already-claimed
// method+path replaces the earlier entry.
func (r *Router) Register(methods []string, path string, scope profile.Scope, h Handler) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if prefix, ok := strings.CutSuffix(path, "/*"); ok {
		entry := r.prefixEntryFor(prefix)
		for _, m := range methods {
			entry.methods[strings.ToUpper(m)] = &Route{
				Method: strings.ToUpper(m), Path: path, Scope: scope, Handler: h,
			}
		}
		return
	}

	byMethod, ok := r.exact[path]
	if !ok {
		byMethod = make(map[string]*Route)
		r.exact[path] = byMethod
	}
	for _, m := range methods {
		byMethod[strings.ToUpper(m)] = &Route{
			Method: strings.ToUpper(m), Path: path, Scope: scope, Handler: h,
		}
	}
}

func (r *Router) prefixEntryFor(prefix string) *prefixEntry {
	for _, e := range r.prefixes {
		if e.prefix == prefix {
			return e
		}
	}
	e := &prefixEntry{prefix: prefix, methods: make(map[string]*Route)}
	r.prefixes = append(r.prefixes, e)
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	return e
}

// Get registers a GET handler.
func (r *Router) Get(path string, scope profile.Scope, h Handler) {
	r.Register([]string{http.MethodGet}, path, scope, h)
}

// Post registers a POST handler.
func (r *Router) Post(path string, scope profile.Scope, h Handler) {
	r.Register([]string{http.MethodPost}, path, scope, h)
}

// Put registers a PUT handler.
func (r *Router) Put(path string, scope profile.Scope, h Handler) {
	r.Register([]string{http.MethodPut}, path, scope, h)
}

// Delete registers a DELETE handler.
func (r *Router) Delete(path string, scope profile.Scope, h Handler) {
	r.Register([]string{http.MethodDelete}, path, scope, h)
}

// All registers a handler for every common method.
func (r *Router) All(path string, scope profile.Scope, h Handler) {
	r.Register([]string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete,
	}, path, scope, h)
}

// Load mounts the given modules in order. Because Register replaces on
// collision, later modules override earlier ones; callers list the stock
// modules first and site-specific ones last.
func (r *Router) Load(modules ...Module) {
	for _, m := range modules {
		m.Mount(r)
	}
}

// Lookup resolves method+path to a route. Exact paths win over prefixes;
// among prefixes the longest wins. A known path with no handler for the
// method reports 405, an unknown path 404.
func (r *Router) Lookup(method, path string) (*Route, *APIError) {
	method = strings.ToUpper(method)

	pathKnown := false
	if byMethod, ok := r.exact[path]; ok {
		if route, ok := byMethod[method]; ok {
			return route, nil
		}
		pathKnown = true
	}

	for _, e := range r.prefixes {
		if path != e.prefix && !strings.HasPrefix(path, e.prefix+"/") {
			continue
		}
		if route, ok := e.methods[method]; ok {
			return route, nil
		}
		pathKnown = true
	}

	if pathKnown {
		return nil, NewError(405, CodeMethodNotAllowed, "method not allowed for "+path)
	}
	return nil, NewError(404, CodeNotFound, "no route for "+path)
}

// Dispatch resolves the route, enforces its scope, and runs the handler.
func (r *Router) Dispatch(rc *Context) error {
	route, apiErr := r.Lookup(rc.Method(), rc.Path())
	if apiErr != nil {
		return apiErr
	}
	if err := r.authorize(rc, route); err != nil {
		return err
	}
	return route.Handler(rc)
}

// authorize checks the route's scope against the request. PUBLIC always
// passes. SYSTEM passes on the pre-shared key header, a loopback peer, or an
// identity whose grants reach SYSTEM; the key and loopback paths exist for
// worker processes that hold no token. PRIVATE and WRITE need an identity
// whose merged grants cover the path at the demanded level.
func (r *Router) authorize(rc *Context, route *Route) error {
	switch route.Scope {
	case profile.ScopePublic:
		return nil
	case profile.ScopeSystem:
		if r.systemAuthorized(rc) {
			return nil
		}
		r.log.Warn().
			Str("event", "SYSTEM_DENIED").
			Str("path", rc.Path()).
			Str("ip", rc.RemoteIP()).
			Msg("system route denied")
		return ErrForbidden("system scope required")
	}

	if rc.Identity() == nil {
		return ErrUnauthorized("authentication required")
	}
	granted, matched := profile.GrantedScope(rc.Permissions(), rc.Path())
	if !matched || granted < route.Scope {
		return ErrForbidden("insufficient scope for " + rc.Path())
	}
	return nil
}

func (r *Router) systemAuthorized(rc *Context) bool {
	if key := rc.Header(HeaderSystemKey); key != "" && len(r.systemKey) > 0 {
		if subtle.ConstantTimeCompare([]byte(key), r.systemKey) == 1 {
			return true
		}
	}
	if ip := net.ParseIP(rc.RemoteIP()); ip != nil && ip.IsLoopback() {
		return true
	}
	if rc.Identity() != nil {
		granted, matched := profile.GrantedScope(rc.Permissions(), rc.Path())
		if matched && granted >= profile.ScopeSystem {
			return true
		}
	}
	return false
}

// RouteInfo describes one registered route for diagnostics.
type RouteInfo struct {
	Method string        `json:"method"`
	Path   string        `json:"path"`
	Scope  profile.Scope `json:"scope"`
}

// Routes lists every registered route sorted by path then method.
func (r *Router) Routes() []RouteInfo {
	var out []RouteInfo
	for path, byMethod := range r.exact {
		for method, route := range byMethod {
			out = append(out, RouteInfo{Method: method, Path: path, Scope: route.Scope})
		}
	}
	for _, e := range r.prefixes {
		for method, route := range e.methods {
			out = append(out, RouteInfo{Method: method, Path: route.Path, Scope: route.Scope})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}
