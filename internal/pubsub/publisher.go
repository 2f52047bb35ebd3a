// Package pubsub fans published payloads out to channel subscribers. Events
// originate either in-process (the notify endpoint) or in other processes
// via the Redis relay; both paths converge on Publisher.
package pubsub

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/table"
	"github.com/bnxthealth/channeld/internal/wire"
)

// Pusher delivers one prebuilt frame to the connection owning an FD. The
// gateway hub implements it.
type Pusher interface {
	Push(fd int, frame []byte) bool
}

// Publisher fans payloads out to every subscriber of a channel. Delivery is
// best-effort: a dead or slow connection is skipped and the fan-out
// continues, so one stuck peer cannot hold back the rest.
type Publisher struct {
	subs    *table.Subscriptions
	push    Pusher
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewPublisher(subs *table.Subscriptions, push Pusher, m *metrics.Metrics, logger zerolog.Logger) *Publisher {
	return &Publisher{
		subs:    subs,
		push:    push,
		metrics: m,
		log:     logger.With().Str("component", "pubsub").Logger(),
	}
}

// Publish delivers payload, which must be valid JSON, to every subscriber of
// channel. It returns the number of connections the event reached.
func (p *Publisher) Publish(channel string, payload []byte) int {
	frame, err := wire.Event(channel, json.RawMessage(payload))
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("Failed to build event frame")
		return 0
	}

	delivered := 0
	for _, fd := range p.subs.FDs(channel) {
		if p.push.Push(fd, frame) {
			delivered++
			continue
		}
		p.log.Debug().Int("fd", fd).Str("channel", channel).Msg("Skipped unreachable subscriber")
	}
	p.metrics.Publish(delivered)
	return delivered
}
