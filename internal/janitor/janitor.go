// Package janitor runs the periodic maintenance jobs: sweeping expired cache
// rows and refreshing table-size gauges.
package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/table"
)

const (
	sweepSchedule = "@every 30s"
	gaugeSchedule = "@every 15s"
)

// Janitor owns the cron loop. Jobs are cheap and table-local, so one
// scheduler goroutine is plenty.
type Janitor struct {
	cron    *cron.Cron
	cache   *table.Cache
	subs    *table.Subscriptions
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(cache *table.Cache, subs *table.Subscriptions, m *metrics.Metrics, logger zerolog.Logger) *Janitor {
	return &Janitor{
		cron:    cron.New(),
		cache:   cache,
		subs:    subs,
		metrics: m,
		log:     logger.With().Str("component", "janitor").Logger(),
	}
}

// Start registers the schedules and launches the cron loop.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(sweepSchedule, j.sweep); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	if _, err := j.cron.AddFunc(gaugeSchedule, j.refreshGauges); err != nil {
		return fmt.Errorf("register gauge job: %w", err)
	}
	j.cron.Start()
	j.log.Info().Msg("Janitor schedules started")
	return nil
}

// Stop halts scheduling and waits for any running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info().Msg("Janitor stopped")
}

// sweep evicts cache rows past their expiry.
func (j *Janitor) sweep() {
	evicted := j.cache.Sweep(time.Now())
	j.metrics.Sweep(evicted)
	j.metrics.CacheEntries(j.cache.Len())
	if evicted > 0 {
		j.log.Debug().Int("evicted", evicted).Msg("Cache sweep complete")
	}
}

// refreshGauges re-publishes table sizes so the gauges stay honest through
// quiet periods.
func (j *Janitor) refreshGauges() {
	j.metrics.CacheEntries(j.cache.Len())
	j.metrics.SubscriptionCount(j.subs.Len())
}
