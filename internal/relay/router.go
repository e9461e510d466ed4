package relay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/protocol"
)

// Router fans a message out to the members of a room.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter creates a Router over the given registry.
//
// Precondition: registry and logger must be non-nil.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Route encodes one RoomMessage frame and enqueues it on every member of room
// whose subscriptions accept channel, excluding the sender. Delivery is best
// effort: a recipient whose outbox is full is torn down, and a recipient
// already being torn down is skipped. Neither is reported to the sender.
//
// Postcondition: Returns the number of recipients the frame was enqueued for.
func (r *Router) Route(sender protocol.ClientID, room protocol.Room, channel protocol.Channel, text string) int {
	frame, err := protocol.EncodeServer(protocol.RoomMessage{
		Room:    room,
		Channel: channel,
		Sender:  sender,
		Text:    text,
	})
	if err != nil {
		r.logger.Error("encoding room message", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, h := range r.registry.Recipients(room, channel, sender) {
		err := h.Outbox.Push(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOutboxClosed):
			// recipient is mid-teardown
		case errors.Is(err, ErrOutboxFull):
			r.logger.Warn("recipient outbox overflow, closing",
				observability.ClientID(h.ID),
				zap.String("room", string(room)),
				zap.Int("outbox_len", h.Outbox.Len()),
			)
			h.Teardown(ErrSlowConsumer)
		default:
			r.logger.Warn("push to outbox failed", observability.ClientID(h.ID), zap.Error(err))
		}
	}
	return delivered
}
