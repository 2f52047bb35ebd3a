package table

import (
	"errors"
	"strconv"
)

// MaxTokenBytes is the widest token the auth table accepts. Longer tokens
// are rejected at write time, never truncated.
const MaxTokenBytes = 512

// ErrTokenTooLong is returned when storing a token wider than MaxTokenBytes.
var ErrTokenTooLong = errors.New("token exceeds maximum length")

// AuthEntry is the per-FD authentication record. It exists iff the FD is
// open and its token has not been cleared by a failed re-auth.
type AuthEntry struct {
	AccountID     int64
	ProfileID     int64
	Token         string
	DeviceHash    string
	ScopeEntityID int64
	AuthedAt      int64
}

// AuthStore is the shared auth table keyed by FD.
type AuthStore struct {
	t *Table[AuthEntry]
}

// NewAuthStore creates the auth table with the given capacity.
func NewAuthStore(capacity int) *AuthStore {
	return &AuthStore{t: New[AuthEntry](capacity)}
}

// Set writes the auth entry for fd, replacing any previous entry.
func (s *AuthStore) Set(fd int, e AuthEntry) error {
	if len(e.Token) > MaxTokenBytes {
		return ErrTokenTooLong
	}
	return s.t.Set(strconv.Itoa(fd), e)
}

// Get returns the auth entry for fd.
func (s *AuthStore) Get(fd int) (AuthEntry, bool) {
	return s.t.Get(strconv.Itoa(fd))
}

// Delete removes the auth entry for fd.
func (s *AuthStore) Delete(fd int) bool {
	return s.t.Delete(strconv.Itoa(fd))
}

// Len returns the number of authenticated FDs.
func (s *AuthStore) Len() int {
	return s.t.Len()
}

// Cap returns the table capacity.
func (s *AuthStore) Cap() int {
	return s.t.Cap()
}
