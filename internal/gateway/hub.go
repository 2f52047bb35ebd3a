// Package gateway owns the WebSocket surface: connection lifecycle, the
// FD-keyed connection registry, protocol frame dispatch into the shared
// request pipeline, and push delivery for pub/sub fan-out and task results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/config"
	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/pipeline"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/table"
	"github.com/bnxthealth/channeld/internal/task"
	"github.com/bnxthealth/channeld/internal/token"
	"github.com/bnxthealth/channeld/internal/wire"
)

// authContextTimeout bounds the profile lookup behind an auth frame.
const authContextTimeout = 10 * time.Second

// Hub tracks every open WebSocket connection and routes frames between them
// and the rest of the process. FDs are allocated once per connection and
// never reused within the process lifetime.
type Hub struct {
	cfg     *config.Config
	authn   *pipeline.Authenticator
	pipe    *pipeline.Pipeline
	subs    *table.Subscriptions
	auth    *table.AuthStore
	rate    *table.RateStore
	bus     *task.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	conns  map[int]*Conn
	nextFD atomic.Int64

	// sem bounds concurrent pipeline dispatches across all connections.
	sem chan struct{}
}

// NewHub wires the gateway against the shared tables and the pipeline. The
// hub is ready for ServeConn immediately; it has no background loop of its
// own.
func NewHub(cfg *config.Config, authn *pipeline.Authenticator, pipe *pipeline.Pipeline, subs *table.Subscriptions, auth *table.AuthStore, rate *table.RateStore, bus *task.Bus, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		authn:   authn,
		pipe:    pipe,
		subs:    subs,
		auth:    auth,
		rate:    rate,
		bus:     bus,
		metrics: m,
		log:     logger.With().Str("component", "gateway").Logger(),
		conns:   make(map[int]*Conn),
		sem:     make(chan struct{}, cfg.WorkerNum),
	}
}

// ServeConn runs an upgraded connection until it closes. It blocks for the
// connection's lifetime, which is what the fiber websocket handler expects.
func (h *Hub) ServeConn(sock *websocket.Conn, remoteIP string) {
	c := h.adopt(sock, remoteIP)
	go c.writePump()
	c.readPump()
}

// adopt allocates an FD, registers the connection, greets the peer, and arms
// the auth timer. Pumps are started by the caller; tests drive the returned
// conn directly.
func (h *Hub) adopt(sock *websocket.Conn, remoteIP string) *Conn {
	fd := int(h.nextFD.Add(1))
	c := newConn(h, fd, sock, remoteIP, h.log)

	h.mu.Lock()
	h.conns[fd] = c
	total := len(h.conns)
	h.mu.Unlock()
	h.metrics.ConnCount(total)

	if frame, err := wire.Connected(fd); err == nil {
		c.enqueue(frame)
	}
	c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() { h.authTimeout(c) })

	c.log.Debug().Int("total", total).Msg("Connection opened")
	return c
}

// authTimeout fires when a connection has not authenticated within the
// window. Authenticating first turns the timer into a no-op.
func (h *Hub) authTimeout(c *Conn) {
	if c.isAuthed() {
		return
	}
	c.log.Warn().Str("event", "AUTH_TIMEOUT").Msg("No auth frame before deadline, closing")
	c.sendError(401, "Authentication timeout")
	c.scheduleClose(CloseAuthTimeout, "authentication timeout")
}

// drop tears a connection down exactly once. Every shared-table row keyed by
// the FD is removed through the reverse index, in-flight task correlations
// are discarded, and the socket is closed. Cleanup cost is proportional to
// the connection's own subscriptions, never to the table size.
func (h *Hub) drop(c *Conn, code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.authTimer != nil {
			c.authTimer.Stop()
		}

		for _, channel := range c.takeChannels() {
			h.subs.Remove(channel, c.fd)
		}
		h.auth.Delete(c.fd)
		h.rate.Delete(c.fd)
		orphaned := h.bus.DropFD(c.fd)

		h.mu.Lock()
		delete(h.conns, c.fd)
		total := len(h.conns)
		h.mu.Unlock()
		h.metrics.ConnCount(total)
		h.metrics.SubscriptionCount(h.subs.Len())

		if c.sock != nil {
			c.writeClose(code, reason)
			_ = c.sock.Close()
		}

		c.log.Debug().
			Str("reason", reason).
			Int("orphaned_tasks", orphaned).
			Dur("uptime", time.Since(c.openedAt)).
			Int("total", total).
			Msg("Connection closed")
	})
}

// handleFrame is the per-message dispatch, shared by the read pump and the
// tests that inject frames directly. The rate limiter runs before anything
// else, parsing included.
func (h *Hub) handleFrame(c *Conn, raw []byte) {
	if !h.rate.Allow(c.fd, table.NowSeconds()) {
		h.metrics.RateLimited()
		c.sendError(429, "Rate limit exceeded")
		return
	}

	var f wire.ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendError(400, "Malformed frame")
		return
	}

	switch {
	case f.Type == wire.TypeAuth:
		h.metrics.Frame(wire.TypeAuth)
		h.handleAuth(c, &f)
	case f.Type == wire.TypeSubscribe:
		h.metrics.Frame(wire.TypeSubscribe)
		h.handleSubscribe(c, &f)
	case f.Type == wire.TypeUnsubscribe:
		h.metrics.Frame(wire.TypeUnsubscribe)
		h.handleUnsubscribe(c, &f)
	case f.Type == wire.TypePing:
		h.metrics.Frame(wire.TypePing)
		if frame, err := wire.Pong(f.TS); err == nil {
			c.enqueue(frame)
		}
	case f.IsRequest():
		h.metrics.Frame(wire.TypeAPI)
		h.handleRequest(c, &f)
	default:
		c.sendError(400, "Missing type field")
	}
}

// handleAuth validates the frame's token and binds the resulting identity to
// the FD. A failed attempt leaves the connection open but unauthenticated;
// only a strict-mode device mismatch or a full auth table closes it.
func (h *Hub) handleAuth(c *Conn, f *wire.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), authContextTimeout)
	defer cancel()

	id, err := h.authn.Identify(ctx, f.Token, c.remoteIP, c.log)
	if err != nil {
		h.auth.Delete(c.fd)
		c.clearAuthed()
		status, msg := authFailure(err)
		c.log.Debug().Err(err).Int("status", status).Msg("Auth frame rejected")
		c.sendError(status, msg)
		return
	}

	if h.authn.CheckDevice(id, f.Meta.Fingerprint, f.Meta.DeviceID, c.log) == pipeline.DeviceRejected {
		if frame, err := wire.ErrorEvent(wire.EventDeviceMismatch, 403, "Device fingerprint mismatch"); err == nil {
			c.enqueue(frame)
		}
		c.scheduleClose(CloseDeviceMismatch, "device fingerprint mismatch")
		return
	}

	entry := table.AuthEntry{
		AccountID:     id.AccountID,
		ProfileID:     id.ProfileID,
		Token:         f.Token,
		DeviceHash:    id.DeviceHash,
		ScopeEntityID: id.ScopeEntityID,
		AuthedAt:      time.Now().Unix(),
	}
	if err := h.auth.Set(c.fd, entry); err != nil {
		c.log.Error().Err(err).Msg("Auth table rejected entry")
		c.sendError(503, "Auth table full")
		c.scheduleClose(CloseAuthOverflow, "auth table full")
		return
	}

	c.setAuthed(id.AccountID)
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if frame, err := wire.Authenticated(id.ProfileID, id.ScopeEntityID); err == nil {
		c.enqueue(frame)
	}
	c.log.Info().
		Int64("account_id", id.AccountID).
		Int64("profile_id", id.ProfileID).
		Int64("scope_entity_id", id.ScopeEntityID).
		Msg("Connection authenticated")
}

// authFailure maps an identify error to the wire status and message sent
// back on an explicit auth frame.
func authFailure(err error) (int, string) {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return 401, "Token has expired"
	case errors.Is(err, token.ErrTokenTooLong):
		return 401, "Token exceeds maximum length"
	case errors.Is(err, token.ErrIPMismatch):
		return 401, "Token was issued for a different address"
	case errors.Is(err, profile.ErrNotFound):
		return 401, "Unknown profile"
	case pipeline.CredentialError(err):
		return 401, "Invalid token"
	default:
		return 503, "Profile backend unavailable"
	}
}

func (h *Hub) handleSubscribe(c *Conn, f *wire.ClientFrame) {
	if !c.isAuthed() {
		c.sendError(401, "Authentication required")
		return
	}
	if err := table.ValidateChannel(f.Channel); err != nil {
		c.sendError(400, "Invalid channel name")
		return
	}
	if err := h.subs.Add(f.Channel, c.fd); err != nil {
		c.log.Error().Err(err).Str("channel", f.Channel).Msg("Subscription rejected")
		c.sendError(503, "Subscription table full")
		return
	}
	c.addChannel(f.Channel)
	h.metrics.SubscriptionCount(h.subs.Len())
	if frame, err := wire.Subscribed(f.Channel); err == nil {
		c.enqueue(frame)
	}
}

func (h *Hub) handleUnsubscribe(c *Conn, f *wire.ClientFrame) {
	if !c.isAuthed() {
		c.sendError(401, "Authentication required")
		return
	}
	if err := table.ValidateChannel(f.Channel); err != nil {
		c.sendError(400, "Invalid channel name")
		return
	}
	h.subs.Remove(f.Channel, c.fd)
	c.removeChannel(f.Channel)
	h.metrics.SubscriptionCount(h.subs.Len())
	if frame, err := wire.Unsubscribed(f.Channel); err == nil {
		c.enqueue(frame)
	}
}

// handleRequest runs an api frame through the shared pipeline on its own
// goroutine. The semaphore bounds dispatch concurrency process-wide; when it
// is saturated the read pump blocks, which is the backpressure we want.
func (h *Hub) handleRequest(c *Conn, f *wire.ClientFrame) {
	in := pipeline.Incoming{
		Transport:     router.TransportWS,
		Method:        f.Method,
		URI:           f.RequestURI(),
		Body:          f.Body,
		Query:         f.Query,
		Token:         f.Token,
		Fingerprint:   f.Meta.Fingerprint,
		DeviceID:      f.Meta.DeviceID,
		CorrelationID: f.CorrelationID,
		RemoteIP:      c.remoteIP,
		FD:            c.fd,
	}

	h.sem <- struct{}{}
	go func() {
		defer func() { <-h.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TaskTimeout)
		defer cancel()

		res := h.pipe.Execute(ctx, in)
		if frame, ok, err := res.Frame(in.CorrelationID); err == nil && ok {
			c.enqueue(frame)
		}
		if res.CloseConn {
			c.scheduleClose(CloseDeviceMismatch, res.Message)
		}
	}()
}

// Push delivers a prebuilt frame to the connection owning fd. It reports
// false when the FD is gone or the peer is too slow, and the caller treats
// both as a soft miss.
func (h *Hub) Push(fd int, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[fd]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// TaskResult turns a worker's completion into the api reply frame carrying
// the original correlation id. It implements task.Notifier.
func (h *Hub) TaskResult(fd int, r task.Result) bool {
	var (
		frame []byte
		err   error
	)
	if r.Failed() {
		frame, err = wire.APIError(r.CorrelationID)
	} else {
		status := r.Status
		if status == 0 {
			status = 200
		}
		frame, err = wire.APIResponse(r.CorrelationID, status, r.Data)
	}
	if err != nil {
		return false
	}
	return h.Push(fd, frame)
}

// Stats is the hub's operational snapshot, served on the internal surface.
type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
	AuthEntries   int `json:"auth_entries"`
	RateBuckets   int `json:"rate_buckets"`
	InflightTasks int `json:"inflight_tasks"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	conns := len(h.conns)
	h.mu.RUnlock()
	return Stats{
		Connections:   conns,
		Subscriptions: h.subs.Len(),
		AuthEntries:   h.auth.Len(),
		RateBuckets:   h.rate.Len(),
		InflightTasks: h.bus.Inflight(),
	}
}

// Shutdown closes every connection with a going-away handshake. New
// connections racing Shutdown still get dropped by their own pump exits.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.drop(c, websocket.CloseGoingAway, "server shutting down")
	}
	h.log.Info().Int("closed", len(conns)).Msg("Gateway drained")
}
