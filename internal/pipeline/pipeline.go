// Package pipeline runs every API request, whether it arrived as an HTTP call
// or inside a websocket frame, through one fixed sequence: parse the URI,
// build a fresh request context, hydrate headers and arguments, resolve and
// verify the bearer token, enforce device binding, dispatch to the routed
// handler, and shape the reply. Transport adapters construct an Incoming and
// render the returned Result; nothing in between knows which surface the
// request came from.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/table"
	"github.com/bnxthealth/channeld/internal/wire"
)

// bearerCookie is the cookie consulted when neither the connection's auth
// entry nor the Authorization header carries a token.
const bearerCookie = "bnxt"

// Incoming is one transport-neutral request. The HTTP adapter fills it from
// the fiber context, the gateway from a decoded api frame.
type Incoming struct {
	Transport     router.Transport
	Method        string
	URI           string // path, optionally with a query string
	Headers       map[string]string
	Body          map[string]any
	Query         map[string]any
	Token         string // payload token override, lowest-priority bearer
	Fingerprint   string // raw client fingerprint from frame meta
	DeviceID      string
	CorrelationID string
	RemoteIP      string
	FD            int // owning connection, 0 for plain HTTP
}

// Result is the pipeline's verdict on one request. Exactly one of the shapes
// applies: a success payload, an intentional API failure (Code set), an
// internal failure (Internal set, fixed message), a protocol error frame
// (Event set), or a deferred reply (nothing is written now).
type Result struct {
	Status    int
	Data      any
	Code      router.Code
	Message   string
	Internal  bool
	Event     string
	CloseConn bool
	Deferred  bool
}

// Failed reports whether the request ended in an error reply of any kind.
func (r Result) Failed() bool { return r.Code != "" }

// Frame renders the websocket reply for this result. ok is false when nothing
// should be written, which is the case for deferred replies.
func (r Result) Frame(correlationID string) (frame []byte, ok bool, err error) {
	switch {
	case r.Deferred:
		return nil, false, nil
	case r.Event != "":
		frame, err = wire.ErrorEvent(r.Event, r.Status, r.Message)
	case r.Internal:
		frame, err = wire.APIError(correlationID)
	case r.Failed():
		frame, err = wire.APIFailure(correlationID, r.Status, r.Message)
	default:
		frame, err = wire.APIResponse(correlationID, r.Status, r.Data)
	}
	return frame, true, err
}

func failure(apiErr *router.APIError) Result {
	return Result{Status: apiErr.Status, Code: apiErr.Code, Message: apiErr.Message}
}

func internalFailure() Result {
	return Result{
		Status:   http.StatusInternalServerError,
		Code:     router.CodeInternalError,
		Message:  wire.InternalErrorMessage,
		Internal: true,
	}
}

// Pipeline executes requests against the currently published route table. The
// table is swapped atomically on reload, so in-flight requests finish on the
// table they started with.
type Pipeline struct {
	authn   *Authenticator
	auth    *table.AuthStore
	metrics *metrics.Metrics
	routes  atomic.Pointer[router.Router]
	log     zerolog.Logger
}

// New creates a pipeline dispatching into rt.
func New(authn *Authenticator, auth *table.AuthStore, rt *router.Router, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		authn:   authn,
		auth:    auth,
		metrics: m,
		log:     logger,
	}
	p.routes.Store(rt)
	return p
}

// SetRouter publishes a new route table. Used on config reload.
func (p *Pipeline) SetRouter(rt *router.Router) { p.routes.Store(rt) }

// Router returns the currently published route table.
func (p *Pipeline) Router() *router.Router { return p.routes.Load() }

// Execute runs one request through the pipeline and returns its verdict.
func (p *Pipeline) Execute(ctx context.Context, in Incoming) Result {
	start := time.Now()
	res := p.execute(ctx, in)
	p.metrics.Request(string(in.Transport), resultLabel(res), time.Since(start))
	return res
}

func (p *Pipeline) execute(ctx context.Context, in Incoming) Result {
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	path, uriQuery, err := splitURI(in.URI)
	if err != nil {
		return failure(router.ErrBadRequest("malformed uri"))
	}

	// A fresh context per request is the isolation guarantee: no header,
	// argument, or identity survives into the next request.
	rc := router.NewContext(ctx, in.Transport, method, path)
	rc.SetRemoteIP(in.RemoteIP)
	rc.SetFD(in.FD)
	rc.SetCorrelationID(in.CorrelationID)
	rc.SetLogger(p.requestLogger(in, method, path))

	for k, v := range in.Headers {
		rc.SetHeader(k, v)
	}

	rc.SetArgs(mergeArgs(uriQuery, in.Query, in.Body))

	if res, ok := p.authenticate(rc, in); !ok {
		return res
	}

	if res, ok := p.checkDevice(rc, in); !ok {
		return res
	}

	if err := p.dispatch(rc); err != nil {
		var apiErr *router.APIError
		if errors.As(err, &apiErr) {
			return failure(apiErr)
		}
		logger := rc.Logger()
		logger.Error().Err(err).Msg("handler failed")
		return internalFailure()
	}

	if rc.Deferred() {
		return Result{Deferred: true}
	}

	status := rc.Status()
	if status == 0 {
		status = http.StatusOK
	}
	return Result{Status: status, Data: rc.Payload()}
}

// authenticate resolves the bearer token and attaches the caller's identity.
// The candidate order is a strict priority: the connection's auth entry, the
// Authorization header, the bnxt cookie, then the payload token. Only the
// first candidate present is verified; when it fails the connection's auth
// entry is cleared and the request proceeds unauthenticated, leaving the
// route's scope check to reject it if identity is required.
func (p *Pipeline) authenticate(rc *router.Context, in Incoming) (Result, bool) {
	raw, source := p.bearer(rc, in)
	if raw == "" {
		return Result{}, true
	}

	id, err := p.authn.Identify(rc, raw, in.RemoteIP, rc.Logger())
	if err != nil {
		logger := rc.Logger()
		switch {
		case errors.Is(err, profile.ErrNotFound):
			logger.Warn().Str("source", source).Msg("token references unknown profile")
		case CredentialError(err):
			if in.FD > 0 {
				p.auth.Delete(in.FD)
			}
			logger.Debug().Err(err).Str("source", source).Msg("bearer rejected")
		default:
			logger.Error().Err(err).Msg("profile load failed")
			return failure(router.ErrUnavailable("profile backend unavailable")), false
		}
		return Result{}, true
	}

	rc.SetIdentity(id)
	rc.SetPermissions(id.Profile.Permissions())
	return Result{}, true
}

func (p *Pipeline) bearer(rc *router.Context, in Incoming) (raw, source string) {
	if in.FD > 0 {
		if entry, ok := p.auth.Get(in.FD); ok && entry.Token != "" {
			return entry.Token, "auth_table"
		}
	}
	if header := rc.Header("Authorization"); header != "" {
		if tok, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(tok), "authorization_header"
		}
	}
	if c := cookieValue(rc.Header("Cookie"), bearerCookie); c != "" {
		return c, "cookie"
	}
	if in.Token != "" {
		return in.Token, "payload"
	}
	return "", ""
}

// checkDevice applies the fingerprint policy. Only a strict-mode mismatch
// fails the request; log mode has already recorded the event inside the
// authenticator.
func (p *Pipeline) checkDevice(rc *router.Context, in Incoming) (Result, bool) {
	verdict := p.authn.CheckDevice(rc.Identity(), in.Fingerprint, in.DeviceID, rc.Logger())
	if verdict != DeviceRejected {
		return Result{}, true
	}
	return Result{
		Status:    http.StatusForbidden,
		Code:      router.CodeDeviceMismatch,
		Message:   "device fingerprint mismatch",
		Event:     wire.EventDeviceMismatch,
		CloseConn: true,
	}, false
}

func (p *Pipeline) dispatch(rc *router.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.routes.Load().Dispatch(rc)
}

func (p *Pipeline) requestLogger(in Incoming, method, path string) zerolog.Logger {
	logCtx := p.log.With().
		Str("transport", string(in.Transport)).
		Str("method", method).
		Str("path", path)
	if in.FD > 0 {
		logCtx = logCtx.Int("fd", in.FD)
	}
	if in.CorrelationID != "" {
		logCtx = logCtx.Str("correlation_id", in.CorrelationID)
	}
	return logCtx.Logger()
}

// splitURI separates the path from its query string. Query values parsed from
// the URI enter the argument map as strings.
func splitURI(raw string) (string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, u.Query(), nil
}

// mergeArgs flattens the three argument sources into one map. An explicit
// query object overrides values parsed from the URI, and body fields override
// both. Values keep the types they arrived with.
func mergeArgs(uriQuery url.Values, query, body map[string]any) router.Args {
	args := make(router.Args, len(uriQuery)+len(query)+len(body))
	for k, vals := range uriQuery {
		if len(vals) > 0 {
			args[k] = vals[0]
		}
	}
	for k, v := range query {
		args[k] = v
	}
	for k, v := range body {
		args[k] = v
	}
	return args
}

func cookieValue(header, name string) string {
	if header == "" {
		return ""
	}
	cookies, err := http.ParseCookie(header)
	if err != nil {
		return ""
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func resultLabel(r Result) string {
	switch {
	case r.Internal:
		return "internal_error"
	case r.Failed():
		return "error"
	case r.Deferred:
		return "deferred"
	default:
		return "success"
	}
}
