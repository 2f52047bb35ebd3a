package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/router"
)

func newClientEnv(t *testing.T, handlers map[string]Handler, awaitTimeout time.Duration) (*Client, *fakeNotifier) {
	t.Helper()
	bus := NewBus(zerolog.Nop())
	n := newFakeNotifier()
	bus.SetNotifier(n)

	pool := NewPool(bus, 2, 8, time.Second, metrics.New(metrics.NewRegistry()), zerolog.Nop())
	pool.SetHandlers(handlers)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	return NewClient(pool, bus, awaitTimeout, zerolog.Nop()), n
}

func wsContext(fd int, corrID string) *router.Context {
	rc := router.NewContext(context.Background(), router.TransportWS, "GET", "/api/_internal/usage")
	rc.SetFD(fd)
	rc.SetCorrelationID(corrID)
	return rc
}

func httpContext(corrID string) *router.Context {
	rc := router.NewContext(context.Background(), router.TransportHTTP, "GET", "/api/_internal/usage")
	rc.SetCorrelationID(corrID)
	return rc
}

func TestDispatchWebsocketDefers(t *testing.T) {
	t.Parallel()
	client, n := newClientEnv(t, map[string]Handler{
		"report": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rows": 3}, nil
		},
	}, time.Second)

	rc := wsContext(11, "ws-1")
	if err := client.Dispatch(rc, "report", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !rc.Deferred() {
		t.Error("websocket dispatch must defer the reply")
	}

	got := n.expect(t)
	if got.fd != 11 {
		t.Errorf("result delivered to fd %d, want 11", got.fd)
	}
	if got.r.CorrelationID != "ws-1" {
		t.Errorf("correlation id = %q, want ws-1", got.r.CorrelationID)
	}
	if got.r.Failed() {
		t.Errorf("task failed: %s", got.r.Err)
	}
}

func TestDispatchHTTPAwaitsResult(t *testing.T) {
	t.Parallel()
	client, _ := newClientEnv(t, map[string]Handler{
		"report": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rows": 3}, nil
		},
	}, time.Second)

	rc := httpContext("http-1")
	if err := client.Dispatch(rc, "report", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if rc.Deferred() {
		t.Error("HTTP dispatch must reply inline")
	}
	if rc.Status() != 200 {
		t.Errorf("status = %d, want 200", rc.Status())
	}
	data, ok := rc.Payload().(map[string]any)
	if !ok || data["rows"] != 3 {
		t.Errorf("payload = %v, want the task data", rc.Payload())
	}
}

func TestDispatchHTTPTaskErrorStaysGeneric(t *testing.T) {
	t.Parallel()
	client, _ := newClientEnv(t, map[string]Handler{
		"report": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("pg: connection refused")
		},
	}, time.Second)

	err := client.Dispatch(httpContext("http-2"), "report", nil)
	if err == nil {
		t.Fatal("Dispatch() = nil, want an error")
	}
	var apiErr *router.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("Dispatch() returned %v; task causes must map to the generic 500", apiErr)
	}
}

func TestDispatchHTTPTimeout(t *testing.T) {
	t.Parallel()
	client, _ := newClientEnv(t, map[string]Handler{
		"slow": func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil, nil
		},
	}, 30*time.Millisecond)

	err := client.Dispatch(httpContext("http-3"), "slow", nil)
	var apiErr *router.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Dispatch() error = %v, want an APIError", err)
	}
	if apiErr.Status != 500 || apiErr.Message != "Task timed out" {
		t.Errorf("error = %d %q, want 500 \"Task timed out\"", apiErr.Status, apiErr.Message)
	}
}

func TestDispatchUnknownTaskIsBadRequest(t *testing.T) {
	t.Parallel()
	client, _ := newClientEnv(t, map[string]Handler{
		"known": func(context.Context, map[string]any) (any, error) { return nil, nil },
	}, time.Second)

	err := client.Dispatch(httpContext("m-1"), "missing", nil)
	var apiErr *router.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Errorf("Dispatch() error = %v, want a 400 APIError", err)
	}
}

func TestDispatchDuplicateCorrelationIsConflict(t *testing.T) {
	t.Parallel()

	// The first task must still be in flight when the second arrives.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	client, _ := newClientEnv(t, map[string]Handler{
		"hold": func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, nil
		},
	}, time.Second)

	if err := client.Dispatch(wsContext(4, "dup-1"), "hold", nil); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	err := client.Dispatch(wsContext(4, "dup-1"), "hold", nil)
	var apiErr *router.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 409 {
		t.Errorf("Dispatch() error = %v, want a 409 APIError", err)
	}
}
