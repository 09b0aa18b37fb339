package interfaces

import "portal-relay/src/models"

// -----------------------------------------------------------------------------
// IEventSink receives shaped events for delivery to the clients of one account.
// -----------------------------------------------------------------------------

type IEventSink interface {
	// Broadcast pushes ev to every client attached to accountID.
	Broadcast(accountID string, ev models.MEvent)
}
