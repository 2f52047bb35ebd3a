package task

import (
	"sync"

	"github.com/rs/zerolog"
)

// entry tracks one in-flight correlation. HTTP origins wait on the chan; WS
// origins are matched back to their FD through the notifier.
type entry struct {
	fd    int
	reply chan Result
}

// Bus is the correlation registry between submitters and workers. A
// correlation id is claimed at dispatch time and released exactly once: by
// Complete, by Discard, or by DropFD when the owning connection closes.
type Bus struct {
	mu       sync.Mutex
	inflight map[string]entry
	byFD     map[int]map[string]struct{}
	notifier Notifier
	log      zerolog.Logger
}

// NewBus creates an empty correlation registry.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		inflight: make(map[string]entry),
		byFD:     make(map[int]map[string]struct{}),
		log:      logger,
	}
}

// SetNotifier wires the hub in after construction. The hub itself needs the
// bus to drop correlations on close, so neither can be built second.
func (b *Bus) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// Register claims corrID for a websocket origin.
func (b *Bus) Register(corrID string, fd int) error {
	return b.claim(corrID, entry{fd: fd})
}

// Wait claims corrID for an HTTP origin and returns the channel its result
// will arrive on. The channel is buffered, so an abandoned waiter never
// wedges the completing worker.
func (b *Bus) Wait(corrID string) (<-chan Result, error) {
	ch := make(chan Result, 1)
	if err := b.claim(corrID, entry{reply: ch}); err != nil {
		return nil, err
	}
	return ch, nil
}

func (b *Bus) claim(corrID string, e entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.inflight[corrID]; dup {
		return ErrDuplicateCorrelation
	}
	b.inflight[corrID] = e
	if e.fd > 0 {
		set := b.byFD[e.fd]
		if set == nil {
			set = make(map[string]struct{})
			b.byFD[e.fd] = set
		}
		set[corrID] = struct{}{}
	}
	return nil
}

// Complete routes a finished result to its claimant. Unknown correlation ids
// (discarded, or dropped with their connection) are logged and swallowed.
func (b *Bus) Complete(r Result) {
	b.mu.Lock()
	e, ok := b.inflight[r.CorrelationID]
	if ok {
		b.release(r.CorrelationID, e)
	}
	notifier := b.notifier
	b.mu.Unlock()

	if !ok {
		b.log.Warn().Str("correlation_id", r.CorrelationID).Msg("Orphan task result dropped")
		return
	}
	if e.reply != nil {
		e.reply <- r
		return
	}
	if notifier == nil || !notifier.TaskResult(e.fd, r) {
		b.log.Debug().
			Str("correlation_id", r.CorrelationID).
			Int("fd", e.fd).
			Msg("Task result arrived after its connection closed")
	}
}

// Discard releases a claim whose envelope never made it into the queue.
func (b *Bus) Discard(corrID string) {
	b.mu.Lock()
	if e, ok := b.inflight[corrID]; ok {
		b.release(corrID, e)
	}
	b.mu.Unlock()
}

// DropFD releases every in-flight claim owned by a closing connection and
// returns how many were dropped. Their results later complete as orphans.
func (b *Bus) DropFD(fd int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.byFD[fd]
	for corrID := range set {
		delete(b.inflight, corrID)
	}
	delete(b.byFD, fd)
	return len(set)
}

// release removes one claim. Callers hold mu.
func (b *Bus) release(corrID string, e entry) {
	delete(b.inflight, corrID)
	if e.fd > 0 {
		if set := b.byFD[e.fd]; set != nil {
			delete(set, corrID)
			if len(set) == 0 {
				delete(b.byFD, e.fd)
			}
		}
	}
}

// Inflight returns the number of claimed correlation ids.
func (b *Bus) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}
