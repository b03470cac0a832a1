package ws

import (
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
)

type allBroadcaster interface {
	BroadcastToAll(event models.Event) int
}

// Presence announces users coming online and going offline to every live
// connection. Delivery is best effort.
type Presence struct {
	registry allBroadcaster
}

func NewPresence(registry allBroadcaster) *Presence {
	return &Presence{registry: registry}
}

func (p *Presence) Connected(userID string) {
	p.registry.BroadcastToAll(models.PresenceEvent(models.EventUserConnected, userID))
	observability.IncWSEvent(models.EventUserConnected)
}

func (p *Presence) Disconnected(userID string) {
	p.registry.BroadcastToAll(models.PresenceEvent(models.EventUserDisconnected, userID))
	observability.IncWSEvent(models.EventUserDisconnected)
}
