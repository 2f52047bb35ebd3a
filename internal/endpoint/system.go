package endpoint

import (
	"context"
	"time"

	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
)

// healthTimeout bounds each backend ping so a hung dependency cannot stall
// the probe.
const healthTimeout = 3 * time.Second

// Pinger is the narrow health-check view of a backend client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// System serves the public liveness and identity probes.
type System struct {
	name     string
	version  string
	postgres Pinger
	redis    Pinger
}

func NewSystem(name, version string, postgres, redis Pinger) *System {
	return &System{name: name, version: version, postgres: postgres, redis: redis}
}

func (m *System) Mount(r *router.Router) {
	r.Get("/api/system/health", profile.ScopePublic, m.health)
	r.Get("/api/system/info", profile.ScopePublic, m.info)
}

func (m *System) health(rc *router.Context) error {
	ctx, cancel := context.WithTimeout(rc, healthTimeout)
	defer cancel()

	pgStatus := "ok"
	if err := m.postgres.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}
	redisStatus := "ok"
	if err := m.redis.Ping(ctx); err != nil {
		redisStatus = "unavailable"
	}

	overall := "ok"
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		rc.SetStatus(503)
	}
	rc.Respond(map[string]any{
		"status":   overall,
		"postgres": pgStatus,
		"redis":    redisStatus,
	})
	return nil
}

func (m *System) info(rc *router.Context) error {
	rc.Respond(map[string]any{
		"name":    m.name,
		"version": m.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}
