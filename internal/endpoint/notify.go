package endpoint

import (
	"encoding/json"

	"github.com/bnxthealth/channeld/internal/pending"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/pubsub"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/table"
)

// Notify lets WRITE-scoped callers publish an event to a channel. Events
// nobody received can be parked in the pending buffer for a named account.
type Notify struct {
	pub     *pubsub.Publisher
	pending *pending.Store
}

func NewNotify(pub *pubsub.Publisher, store *pending.Store) *Notify {
	return &Notify{pub: pub, pending: store}
}

func (m *Notify) Mount(r *router.Router) {
	r.Post("/api/notify", profile.ScopeWrite, m.notify)
}

func (m *Notify) notify(rc *router.Context) error {
	args := rc.Args()

	channel := args.String("channel")
	if err := table.ValidateChannel(channel); err != nil {
		return router.ErrBadRequest("invalid channel name")
	}
	raw, ok := args.Get("payload")
	if !ok {
		return router.ErrBadRequest("payload is required")
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return router.ErrBadRequest("payload is not serializable")
	}

	delivered := m.pub.Publish(channel, payload)
	if delivered == 0 {
		if accountID, ok := args.Int64("account_id"); ok {
			if err := m.pending.Append(rc, accountID, channel, payload); err != nil {
				return err
			}
			logger := rc.Logger()
			logger.Debug().
				Int64("account_id", accountID).
				Str("channel", channel).
				Msg("Event parked in pending buffer")
		}
	}

	rc.Respond(map[string]any{"delivered": delivered})
	return nil
}
