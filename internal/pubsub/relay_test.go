package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRelayDeliversPublishedEvents(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub, subs, pusher := newTestPublisher(t)
	if err := subs.Add("ward.7", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	relay := NewRelay(rdb, pub, "channeld.events", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// Publish returns the receiver count, so poll until the relay's
	// subscription is live.
	envelope := `{"channel":"ward.7","payload":{"n":1}}`
	deadline := time.Now().Add(5 * time.Second)
	for mr.Publish("channeld.events", envelope) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case rec := <-pusher.got:
		if rec.fd != 1 {
			t.Errorf("delivered to fd %d, want 1", rec.fd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery within deadline")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRelayDispatchIgnoresGarbage(t *testing.T) {
	t.Parallel()
	pub, subs, pusher := newTestPublisher(t)
	if err := subs.Add("ward.7", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	relay := NewRelay(nil, pub, "channeld.events", zerolog.Nop())

	relay.dispatch("{not json")
	relay.dispatch(`{"payload":{"n":1}}`)

	select {
	case rec := <-pusher.got:
		t.Errorf("garbage envelope delivered to fd %d", rec.fd)
	case <-time.After(50 * time.Millisecond):
	}

	relay.dispatch(`{"channel":"ward.7","payload":{"n":2}}`)
	select {
	case rec := <-pusher.got:
		if rec.fd != 1 {
			t.Errorf("delivered to fd %d, want 1", rec.fd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid envelope was not delivered")
	}
}
