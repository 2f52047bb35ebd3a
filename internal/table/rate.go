package table

import (
	"strconv"
	"time"
)

// Bucket is one token-bucket row. Token count and the last-refill timestamp
// are floating-point seconds so fractional refill accumulates correctly at
// any message rate.
type Bucket struct {
	Tokens float64
	Last   float64
}

// RateStore applies a per-FD token bucket over the shared rate-limit table.
// Buckets are created lazily on the first inbound message and removed when
// the FD closes.
type RateStore struct {
	t     *Table[Bucket]
	rate  float64
	burst float64
}

// NewRateStore creates the rate-limit table. ratePerSec is the refill rate,
// burst the bucket capacity.
func NewRateStore(capacity int, ratePerSec, burst float64) *RateStore {
	return &RateStore{t: New[Bucket](capacity), rate: ratePerSec, burst: burst}
}

// Allow spends one token for fd at time now (fractional seconds since the
// epoch). A first sighting seeds a full bucket. Refill is
// min(burst, tokens + elapsed*rate); a bucket below one token denies the
// frame. A full table also denies.
func (s *RateStore) Allow(fd int, now float64) bool {
	allowed := false
	err := s.t.Update(strconv.Itoa(fd), func(b Bucket, ok bool) (Bucket, bool) {
		if !ok {
			b = Bucket{Tokens: s.burst, Last: now}
		} else if elapsed := now - b.Last; elapsed > 0 {
			b.Tokens = min(b.Tokens+elapsed*s.rate, s.burst)
			b.Last = now
		}
		if b.Tokens >= 1 {
			b.Tokens--
			allowed = true
		}
		return b, true
	})
	if err != nil {
		return false
	}
	return allowed
}

// Delete removes the bucket for fd.
func (s *RateStore) Delete(fd int) bool {
	return s.t.Delete(strconv.Itoa(fd))
}

// Len returns the number of live buckets.
func (s *RateStore) Len() int {
	return s.t.Len()
}

// Cap returns the table capacity.
func (s *RateStore) Cap() int {
	return s.t.Cap()
}

// NowSeconds returns the current time as fractional seconds since the epoch,
// the clock format bucket rows use.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
