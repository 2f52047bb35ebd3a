package endpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/bnxthealth/channeld/internal/router"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthAllBackendsUp(t *testing.T) {
	t.Parallel()
	mod := NewSystem("channeld", "1.0.0", fakePinger{}, fakePinger{})

	rc := httpCtx("GET", router.Args{})
	if err := mod.health(rc); err != nil {
		t.Fatalf("health() error = %v", err)
	}
	got := payloadMap(t, rc)
	if got["status"] != "ok" || got["postgres"] != "ok" || got["redis"] != "ok" {
		t.Errorf("payload = %v", got)
	}
	if rc.Status() != 0 {
		t.Errorf("status = %d, want unset for healthy", rc.Status())
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		pg, rdb  error
		postgres string
		redis    string
	}{
		{"postgres down", errors.New("conn refused"), nil, "unavailable", "ok"},
		{"redis down", nil, errors.New("conn refused"), "ok", "unavailable"},
		{"both down", errors.New("x"), errors.New("y"), "unavailable", "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := NewSystem("channeld", "1.0.0", fakePinger{tt.pg}, fakePinger{tt.rdb})

			rc := httpCtx("GET", router.Args{})
			if err := mod.health(rc); err != nil {
				t.Fatalf("health() error = %v", err)
			}
			got := payloadMap(t, rc)
			if got["status"] != "degraded" {
				t.Errorf("status = %v, want degraded", got["status"])
			}
			if got["postgres"] != tt.postgres || got["redis"] != tt.redis {
				t.Errorf("payload = %v, want postgres=%s redis=%s", got, tt.postgres, tt.redis)
			}
			if rc.Status() != 503 {
				t.Errorf("status = %d, want 503", rc.Status())
			}
		})
	}
}

func TestInfoIdentifiesTheProcess(t *testing.T) {
	t.Parallel()
	mod := NewSystem("channeld", "1.2.3", fakePinger{}, fakePinger{})

	rc := httpCtx("GET", router.Args{})
	if err := mod.info(rc); err != nil {
		t.Fatalf("info() error = %v", err)
	}
	got := payloadMap(t, rc)
	if got["name"] != "channeld" || got["version"] != "1.2.3" {
		t.Errorf("payload = %v", got)
	}
	if s, _ := got["time"].(string); s == "" {
		t.Error("payload has no server time")
	}
}
