package interfaces

import (
	"context"

	"portal-relay/src/models"
)

// -----------------------------------------------------------------------------
// IRelay is the account runtime manager as seen by the gateway.
// -----------------------------------------------------------------------------

type IRelay interface {

	// Attach notes a new client of accountID and boots its upstream session.
	Attach(accountID string) error

	// Detach notes a departed client; the last one starts the grace timer.
	Detach(accountID string)

	// HandleCommand forwards a client command to the account's broker.
	HandleCommand(ctx context.Context, accountID string, cmd models.MClientCommand) error

	// Snapshot returns the freshest events to replay to a new client.
	Snapshot(accountID string) []models.MEvent

	// Status reports upstream authentication and market state.
	Status(ctx context.Context) *models.MAuthStatus

	// Logout ends every session and the upstream login.
	Logout(ctx context.Context) error

	// Sessions describes every live account runtime.
	Sessions() []models.MSessionInfo
}

// -----------------------------------------------------------------------------
// IRelayControl is the operator surface served over gRPC.
// -----------------------------------------------------------------------------

type IRelayControl interface {
	Sessions() []models.MSessionInfo

	// ShutdownSession stops one account runtime; false when none was running.
	ShutdownSession(ctx context.Context, accountID string) bool

	// InvalidateCache drops cached responses by key prefix, all of them when empty.
	InvalidateCache(ctx context.Context, prefix string) error
}
