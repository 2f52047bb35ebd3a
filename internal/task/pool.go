package task

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/metrics"
)

// Pool runs submitted envelopes on a fixed set of workers. The queue is
// buffered and Submit never blocks: saturation comes back to the caller as
// ErrQueueFull.
type Pool struct {
	bus      *Bus
	queue    chan Envelope
	handlers atomic.Pointer[map[string]Handler]
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	workers int
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a stopped pool. Call SetHandlers before Start.
func NewPool(bus *Bus, workers, queueSize int, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Pool {
	p := &Pool{
		bus:     bus,
		queue:   make(chan Envelope, queueSize),
		timeout: timeout,
		metrics: m,
		log:     logger,
		workers: workers,
		stop:    make(chan struct{}),
	}
	empty := map[string]Handler{}
	p.handlers.Store(&empty)
	return p
}

// SetHandlers swaps the handler map. Reload calls this with the rebuilt
// modules' tasks; queued envelopes run against whichever map is current when
// a worker picks them up.
func (p *Pool) SetHandlers(handlers map[string]Handler) {
	copied := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		copied[name] = h
	}
	p.handlers.Store(&copied)
}

func (p *Pool) handler(name string) Handler {
	return (*p.handlers.Load())[name]
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.workers).Int("queue_size", cap(p.queue)).Msg("Task pool started")
}

// Shutdown stops the workers after their current envelope. Queued envelopes
// are abandoned; their correlations die with the process.
func (p *Pool) Shutdown(ctx context.Context) error {
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the task name and enqueues the envelope. The correlation
// id must already be claimed on the bus.
func (p *Pool) Submit(e Envelope) error {
	if p.handler(e.Name) == nil {
		return ErrUnknownTask
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.EnqueuedAt = time.Now()
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports how many envelopes are waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.queue) }

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case e := <-p.queue:
			p.run(n, e)
		}
	}
}

// run executes one envelope and always completes it to the bus, turning
// panics and handler errors into failed results.
func (p *Pool) run(n int, e Envelope) {
	res := Result{CorrelationID: e.CorrelationID, OriginFD: e.OriginFD, Worker: n, Status: http.StatusOK}

	defer func() {
		if r := recover(); r != nil {
			res.Status = http.StatusInternalServerError
			res.Data = nil
			res.Err = fmt.Sprintf("task panic: %v", r)
		}
		label := "ok"
		if res.Failed() {
			label = "failed"
			p.log.Error().
				Int("worker", n).
				Str("task", e.Name).
				Str("correlation_id", e.CorrelationID).
				Str("cause", res.Err).
				Msg("Task failed")
		}
		p.metrics.Task(label)
		p.bus.Complete(res)
	}()

	h := p.handler(e.Name)
	if h == nil { // the handler map shrank between Submit and pickup
		res.Status = http.StatusInternalServerError
		res.Err = "task handler removed"
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	data, err := h(ctx, e.Payload)
	if err != nil {
		res.Status = http.StatusInternalServerError
		res.Err = err.Error()
		return
	}
	res.Data = data
}
