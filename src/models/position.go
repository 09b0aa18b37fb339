package models

// MPosition is one row of the upstream paged positions list.
type MPosition struct {
	AccountID    string  `json:"acctId,omitempty"`
	Conid        int64   `json:"conid"`
	ContractDesc string  `json:"contractDesc"`
	AssetClass   string  `json:"assetClass"`
	Position     float64 `json:"position"`
	AvgPrice     float64 `json:"avgPrice"`
	Ticker       string  `json:"ticker,omitempty"`
	Currency     string  `json:"currency,omitempty"`

	// Only populated by related-position lookups.
	DaysToExpire        *int `json:"daysToExpire,omitempty"`
	TradingDaysToExpire *int `json:"tradingDaysToExpire,omitempty"`
}

// IsOption reports whether the contract is quoted per share but traded per 100.
func (p MPosition) IsOption() bool {
	return p.AssetClass == AssetOption
}

// Asset classes as reported by the portal.
const (
	AssetStock  = "STK"
	AssetOption = "OPT"
	AssetFuture = "FUT"
	AssetCash   = "CASH"
)

// MRelatedPositions groups a stock holding with the options written on it.
type MRelatedPositions struct {
	Stock   *MPosition  `json:"stock"`
	Options []MPosition `json:"options"`
}
