package router

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/profile"
)

// Transport names the surface a request arrived on. Handlers may branch on it
// but must produce the same result either way.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportWS   Transport = "ws"
)

// Identity is the authenticated caller attached to a request after token
// verification. ScopeEntityID is the effective scope, post coercion.
type Identity struct {
	AccountID     int64
	ProfileID     int64
	ScopeEntityID int64
	DeviceHash    string
	Profile       *profile.Profile
}

// Context carries one request through the pipeline and into its handler. A
// fresh Context is built per request and never shared, so nothing a handler
// reads here can observe another request's state. It embeds a context.Context
// so handlers pass it straight into repositories and outbound calls.
type Context struct {
	context.Context

	transport     Transport
	method        string
	path          string
	remoteIP      string
	fd            int
	correlationID string

	headers http.Header
	args    Args

	identity *Identity
	perms    map[string]profile.Scope

	status   int
	payload  any
	deferred bool

	log zerolog.Logger
}

// NewContext builds a request context on top of parent. Method is uppercased
// by the caller; path carries no query string.
func NewContext(parent context.Context, transport Transport, method, path string) *Context {
	return &Context{
		Context:   parent,
		transport: transport,
		method:    method,
		path:      path,
		headers:   make(http.Header),
		args:      make(Args),
		log:       zerolog.Nop(),
	}
}

// Transport reports whether the request came over HTTP or a WS frame.
func (c *Context) Transport() Transport { return c.transport }

// Method returns the request method (GET, POST, ...).
func (c *Context) Method() string { return c.method }

// Path returns the routed path, query string stripped.
func (c *Context) Path() string { return c.path }

// RemoteIP returns the peer address used for IP binding and loopback checks.
func (c *Context) RemoteIP() string { return c.remoteIP }

// SetRemoteIP records the peer address.
func (c *Context) SetRemoteIP(ip string) { c.remoteIP = ip }

// FD returns the owning connection's descriptor, or 0 for plain HTTP.
func (c *Context) FD() int { return c.fd }

// SetFD records the owning connection.
func (c *Context) SetFD(fd int) { c.fd = fd }

// CorrelationID returns the client-chosen id echoed on the response frame.
func (c *Context) CorrelationID() string { return c.correlationID }

// SetCorrelationID records the client-chosen id.
func (c *Context) SetCorrelationID(id string) { c.correlationID = id }

// Header returns the named request header, canonicalized lookup.
func (c *Context) Header(key string) string { return c.headers.Get(key) }

// SetHeader records a request header under its canonical name.
func (c *Context) SetHeader(key, value string) { c.headers.Set(key, value) }

// Headers exposes the full header map, canonical keys.
func (c *Context) Headers() http.Header { return c.headers }

// Args returns the merged argument map.
func (c *Context) Args() Args { return c.args }

// SetArgs replaces the argument map.
func (c *Context) SetArgs(a Args) { c.args = a }

// Identity returns the authenticated caller, or nil when the request is
// anonymous.
func (c *Context) Identity() *Identity { return c.identity }

// SetIdentity attaches the authenticated caller.
func (c *Context) SetIdentity(id *Identity) { c.identity = id }

// Permissions returns the pattern→scope map resolved from the caller's roles.
// Anonymous requests see an empty map.
func (c *Context) Permissions() map[string]profile.Scope {
	if c.perms == nil {
		return map[string]profile.Scope{}
	}
	return c.perms
}

// SetPermissions attaches the resolved grant map.
func (c *Context) SetPermissions(p map[string]profile.Scope) { c.perms = p }

// Logger returns the request-scoped logger.
func (c *Context) Logger() zerolog.Logger { return c.log }

// SetLogger attaches a request-scoped logger.
func (c *Context) SetLogger(l zerolog.Logger) { c.log = l }

// SetStatus overrides the response status. Unset defaults to 200 on Respond.
func (c *Context) SetStatus(status int) { c.status = status }

// Status returns the response status chosen so far, 0 when unset.
func (c *Context) Status() int { return c.status }

// Respond records the handler's response payload. The emit step serializes it
// per transport; calling Respond twice keeps the last payload.
func (c *Context) Respond(data any) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.payload = data
}

// Payload returns the recorded response payload.
func (c *Context) Payload() any { return c.payload }

// Defer marks the request as answered later through the task bus. The emit
// step sends nothing; exactly one api_response or api_error with this
// request's correlation id must eventually follow.
func (c *Context) Defer() { c.deferred = true }

// Deferred reports whether the handler deferred its reply.
func (c *Context) Deferred() bool { return c.deferred }
