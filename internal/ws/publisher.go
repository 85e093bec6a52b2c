package ws

import (
	"context"
	"strconv"

	"go_certorch/internal/events"
)

const (
	certificateEvent = "certificates:event"
	providerEvent    = "providers:event"
)

func subscriptionRoom(id int) string {
	return "subscription:" + strconv.Itoa(id)
}

// Publish implements events.Sink. Certificate events go to the owning
// subscription's room only; provider events reach every client.
func (h *Hub) Publish(_ context.Context, evs []events.Event) error {
	for _, e := range evs {
		if e.SubscriptionID > 0 {
			h.out.BroadcastToRoom(namespace, subscriptionRoom(e.SubscriptionID), certificateEvent, e)
			continue
		}
		h.out.BroadcastToNamespace(namespace, providerEvent, e)
	}
	return nil
}

var _ events.Sink = (*Hub)(nil)
