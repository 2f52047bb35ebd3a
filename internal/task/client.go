package task

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/router"
)

// Client is what route handlers talk to. It claims the correlation id,
// submits the envelope, and shapes the reply for the submitting transport:
// websocket callers defer and receive the result later as an api frame with
// the same correlation id, HTTP callers block until the result or the
// deadline.
type Client struct {
	pool    *Pool
	bus     *Bus
	timeout time.Duration
	log     zerolog.Logger
}

// NewClient wires a dispatch client over a pool and its bus. timeout bounds
// how long an HTTP caller is held open.
func NewClient(pool *Pool, bus *Bus, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{pool: pool, bus: bus, timeout: timeout, log: logger}
}

// Dispatch submits a named task on behalf of rc and wires its eventual
// result back to the caller.
func (c *Client) Dispatch(rc *router.Context, name string, payload map[string]any) error {
	corrID := rc.CorrelationID()
	if corrID == "" {
		corrID = uuid.NewString()
	}
	e := Envelope{Name: name, Payload: payload, CorrelationID: corrID, OriginFD: rc.FD()}

	if rc.Transport() == router.TransportWS {
		if err := c.bus.Register(corrID, rc.FD()); err != nil {
			return dispatchError(err, name)
		}
		if err := c.pool.Submit(e); err != nil {
			c.bus.Discard(corrID)
			return dispatchError(err, name)
		}
		rc.Defer()
		return nil
	}

	reply, err := c.bus.Wait(corrID)
	if err != nil {
		return dispatchError(err, name)
	}
	if err := c.pool.Submit(e); err != nil {
		c.bus.Discard(corrID)
		return dispatchError(err, name)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.Failed() {
			// Surfaces as a generic 500; the pool already logged the cause.
			return errors.New(r.Err)
		}
		rc.SetStatus(r.Status)
		rc.Respond(r.Data)
		return nil
	case <-timer.C:
		c.log.Warn().Str("task", name).Str("correlation_id", corrID).Msg("Task await timed out")
		return router.NewError(http.StatusInternalServerError, router.CodeInternalError, "Task timed out")
	case <-rc.Done():
		return rc.Err()
	}
}

func dispatchError(err error, name string) error {
	switch {
	case errors.Is(err, ErrUnknownTask):
		return router.ErrBadRequest(fmt.Sprintf("unknown task %q", name))
	case errors.Is(err, ErrQueueFull):
		return router.ErrUnavailable("task queue is full")
	case errors.Is(err, ErrDuplicateCorrelation):
		return router.ErrConflict("correlation id already in flight")
	default:
		return err
	}
}
