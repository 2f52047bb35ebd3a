package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// relayEnvelope is the JSON structure other processes publish to the events
// channel.
type relayEnvelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Relay feeds events published on a Redis channel into the local fan-out, so
// subscribers receive messages no matter which process produced them.
type Relay struct {
	rdb     *redis.Client
	pub     *Publisher
	channel string
	log     zerolog.Logger
}

func NewRelay(rdb *redis.Client, pub *Publisher, channel string, logger zerolog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		pub:     pub,
		channel: channel,
		log:     logger.With().Str("component", "relay").Logger(),
	}
}

// Run subscribes to the events channel and dispatches every message until
// the context is cancelled. go-redis re-establishes the subscription after
// connection loss, so a Redis restart does not end the loop.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	r.log.Info().Str("channel", r.channel).Msg("Relay subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(msg.Payload)
		}
	}
}

func (r *Relay) dispatch(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("Invalid relay envelope")
		return
	}
	if env.Channel == "" {
		r.log.Warn().Msg("Relay envelope missing channel")
		return
	}
	r.pub.Publish(env.Channel, env.Payload)
}
