package table

import (
	"errors"
	"strconv"
	"strings"
)

// subSeparator joins the channel name and FD in subscription keys. Channel
// names may legitimately contain ":" so a NUL byte is the only safe split
// point; ValidateChannel keeps NUL out of names.
const subSeparator = "\x00"

// Channel name length bounds in bytes.
const (
	MinChannelLen = 1
	MaxChannelLen = 128
)

// ErrInvalidChannel is returned for channel names outside the 1..128 byte
// range or containing a NUL byte.
var ErrInvalidChannel = errors.New("invalid channel name")

// ValidateChannel checks a channel name against the naming rules.
func ValidateChannel(name string) error {
	if len(name) < MinChannelLen || len(name) > MaxChannelLen || strings.ContainsRune(name, 0) {
		return ErrInvalidChannel
	}
	return nil
}

// SubKey builds the composite subscription key for (channel, fd).
func SubKey(channel string, fd int) string {
	return channel + subSeparator + strconv.Itoa(fd)
}

// Subscriptions is the shared membership table. A row exists iff the FD is
// currently subscribed to the channel; connection close removes every row
// for that FD via the per-connection reverse index.
type Subscriptions struct {
	t *Table[uint8]
}

// NewSubscriptions creates the subscriptions table with the given capacity.
func NewSubscriptions(capacity int) *Subscriptions {
	return &Subscriptions{t: New[uint8](capacity)}
}

// Add inserts the (channel, fd) row.
func (s *Subscriptions) Add(channel string, fd int) error {
	return s.t.Set(SubKey(channel, fd), 1)
}

// Remove deletes the (channel, fd) row and reports whether it existed.
func (s *Subscriptions) Remove(channel string, fd int) bool {
	return s.t.Delete(SubKey(channel, fd))
}

// Has reports whether fd is subscribed to channel.
func (s *Subscriptions) Has(channel string, fd int) bool {
	_, ok := s.t.Get(SubKey(channel, fd))
	return ok
}

// FDs returns every FD subscribed to channel. Order is unspecified.
func (s *Subscriptions) FDs(channel string) []int {
	prefix := channel + subSeparator
	var fds []int
	s.t.Range(func(key string, _ uint8) bool {
		if strings.HasPrefix(key, prefix) {
			if fd, err := strconv.Atoi(key[len(prefix):]); err == nil {
				fds = append(fds, fd)
			}
		}
		return true
	})
	return fds
}

// Len returns the number of subscription rows.
func (s *Subscriptions) Len() int {
	return s.t.Len()
}

// Cap returns the table capacity.
func (s *Subscriptions) Cap() int {
	return s.t.Cap()
}
