package interfaces

import (
	"context"

	"portal-relay/src/models"
)

// -----------------------------------------------------------------------------
// IPortfolioSource is the slice of the portal REST surface the reference
// store loads account data from.
// -----------------------------------------------------------------------------

type IPortfolioSource interface {

	// PositionsPage returns one page of positions; an empty page ends the listing.
	PositionsPage(ctx context.Context, accountID string, page int) ([]models.MPosition, error)

	// Allocation returns the account allocation by asset class, sector and group.
	Allocation(ctx context.Context, accountID string) (*models.MAllocation, error)

	// Ledger returns the raw ledger rows keyed by currency.
	Ledger(ctx context.Context, accountID string) (map[string]map[string]interface{}, error)
}
