// Package endpoint holds the built-in route modules: the privileged
// _internal surface, public system probes, the notify publisher, and the
// offline-buffer drain. Each module mounts its routes on the shared router
// and contributes its task handlers.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bnxthealth/channeld/internal/gateway"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/table"
	"github.com/bnxthealth/channeld/internal/task"
)

// usageCacheKey is where the usage.report task persists its latest snapshot,
// readable through the cache bridge.
const usageCacheKey = "usage:last"

// usageCacheTTL keeps stale snapshots from outliving their relevance.
const usageCacheTTL = 5 * time.Minute

// StatsSource exposes the gateway's operational snapshot. The hub implements
// it.
type StatsSource interface {
	Stats() gateway.Stats
}

// InternalAPI is the SYSTEM-scoped surface other services call: the cache
// bridge, runtime stats, profile cache invalidation, and the usage report.
type InternalAPI struct {
	cache    *table.Cache
	stats    StatsSource
	profiles *profile.Resolver
	tasks    *task.Client
}

func NewInternalAPI(cache *table.Cache, stats StatsSource, profiles *profile.Resolver, tasks *task.Client) *InternalAPI {
	return &InternalAPI{cache: cache, stats: stats, profiles: profiles, tasks: tasks}
}

func (m *InternalAPI) Mount(r *router.Router) {
	r.Get("/api/_internal/cache/read", profile.ScopeSystem, m.cacheRead)
	r.Post("/api/_internal/cache/set", profile.ScopeSystem, m.cacheSet)
	r.Post("/api/_internal/cache/delete", profile.ScopeSystem, m.cacheDelete)
	r.Get("/api/_internal/cache/metrics", profile.ScopeSystem, m.cacheMetrics)
	r.Get("/api/_internal/stats", profile.ScopeSystem, m.runtimeStats)
	r.Post("/api/_internal/profile/flush", profile.ScopeSystem, m.profileFlush)
	r.Get("/api/_internal/usage", profile.ScopeSystem, m.usage)
}

// Tasks returns the task handlers this module contributes to the pool.
func (m *InternalAPI) Tasks() map[string]task.Handler {
	return map[string]task.Handler{
		"usage.report": m.usageReport,
	}
}

func (m *InternalAPI) cacheRead(rc *router.Context) error {
	key := rc.Args().String("key")
	if key == "" {
		return router.ErrBadRequest("key is required")
	}

	entry, ok := m.cache.GetEntry(key, time.Now())
	if !ok {
		rc.Respond(map[string]any{"found": false})
		return nil
	}

	// Values round-trip as raw JSON when they are JSON; opaque strings come
	// back as strings.
	var value any
	if json.Valid(entry.Value) {
		value = json.RawMessage(entry.Value)
	} else {
		value = string(entry.Value)
	}
	rc.Respond(map[string]any{
		"found":      true,
		"value":      value,
		"expires_at": entry.ExpiresAt,
	})
	return nil
}

func (m *InternalAPI) cacheSet(rc *router.Context) error {
	args := rc.Args()
	key := args.String("key")
	if key == "" {
		return router.ErrBadRequest("key is required")
	}

	raw, ok := args.Get("value")
	if !ok {
		return router.ErrBadRequest("value is required")
	}
	var value []byte
	if s, isString := raw.(string); isString {
		value = []byte(s)
	} else {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return router.ErrBadRequest("value is not serializable")
		}
		value = encoded
	}

	var ttl time.Duration
	if args.Has("ttl") {
		seconds, ok := args.Int64("ttl")
		if !ok || seconds < 0 {
			return router.ErrBadRequest("ttl must be a non-negative integer")
		}
		ttl = time.Duration(seconds) * time.Second
	}

	if err := m.cache.Set(key, value, ttl); err != nil {
		switch {
		case errors.Is(err, table.ErrKeyTooLong):
			return router.ErrBadRequest("cache key too long")
		case errors.Is(err, table.ErrValueTooLarge):
			return router.NewError(413, router.CodePayloadTooLarge, "cache value too large")
		case errors.Is(err, table.ErrTableFull):
			return router.NewError(507, router.CodeStorageFull, "cache table full")
		}
		return err
	}
	rc.Respond(map[string]any{"stored": true})
	return nil
}

func (m *InternalAPI) cacheDelete(rc *router.Context) error {
	key := rc.Args().String("key")
	if key == "" {
		return router.ErrBadRequest("key is required")
	}
	rc.Respond(map[string]any{"deleted": m.cache.Delete(key)})
	return nil
}

func (m *InternalAPI) cacheMetrics(rc *router.Context) error {
	rc.Respond(m.cache.Metrics())
	return nil
}

func (m *InternalAPI) runtimeStats(rc *router.Context) error {
	rc.Respond(m.stats.Stats())
	return nil
}

func (m *InternalAPI) profileFlush(rc *router.Context) error {
	id, ok := rc.Args().Int64("profile_id")
	if !ok {
		return router.ErrBadRequest("profile_id is required")
	}
	m.profiles.Invalidate(id)
	rc.Respond(map[string]any{"flushed": true})
	return nil
}

// usage hands the report off to the task pool: HTTP callers get the result
// inline, WS callers get it pushed later under their correlation id.
func (m *InternalAPI) usage(rc *router.Context) error {
	return m.tasks.Dispatch(rc, "usage.report", rc.Args())
}

func (m *InternalAPI) usageReport(ctx context.Context, payload map[string]any) (any, error) {
	stats := m.stats.Stats()
	report := map[string]any{
		"connections":    stats.Connections,
		"subscriptions":  stats.Subscriptions,
		"auth_entries":   stats.AuthEntries,
		"inflight_tasks": stats.InflightTasks,
		"cache":          m.cache.Metrics(),
		"generated_at":   time.Now().Unix(),
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(usageCacheKey, raw, usageCacheTTL); err != nil {
		return nil, err
	}
	return report, nil
}
