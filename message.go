package shellcache

import "context"

// MessageSkipWaiting tells a waiting worker to activate immediately
// instead of waiting for all client pages to close.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message posted by the hosting application.
type Message struct {
	Type string `json:"type"`
}

// HandleMessage processes a control message.
// Unrecognized message types are ignored silently.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		if w.State() != StateInstalled {
			w.log.Debug().Str("state", string(w.State())).Msg("Ignoring skip-waiting message")
			return
		}
		if err := w.Activate(ctx); err != nil {
			w.log.Error().Err(err).Msg("Could not activate worker")
		}
	default:
		w.log.Trace().Str("type", msg.Type).Msg("Ignoring unrecognized message")
	}
}
