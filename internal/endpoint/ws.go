package endpoint

import (
	"github.com/bnxthealth/channeld/internal/pending"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/router"
)

// WS serves the offline-buffer drain for authenticated clients.
type WS struct {
	pending *pending.Store
}

func NewWS(store *pending.Store) *WS {
	return &WS{pending: store}
}

func (m *WS) Mount(r *router.Router) {
	r.Get("/api/ws/pending", profile.ScopePrivate, m.drain)
}

// drain hands the caller everything buffered for its account and empties the
// buffer. The PRIVATE scope guarantees an identity is present.
func (m *WS) drain(rc *router.Context) error {
	messages, err := m.pending.Drain(rc, rc.Identity().AccountID)
	if err != nil {
		return err
	}
	rc.Respond(map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
	return nil
}
