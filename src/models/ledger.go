package models

// MLedgerBalance is a single currency row of the ledger.
type MLedgerBalance struct {
	Currency            string   `json:"currency"`
	IsBase              bool     `json:"isBase"`
	CashBalance         *float64 `json:"cashBalance"`
	SettledCash         *float64 `json:"settledCash"`
	NetLiquidationValue *float64 `json:"netLiquidationValue"`
	StockMarketValue    *float64 `json:"stockMarketValue"`
	OptionMarketValue   *float64 `json:"optionMarketValue"`
	UnrealizedPnL       *float64 `json:"unrealizedPnl"`
	RealizedPnL         *float64 `json:"realizedPnl"`
	ExchangeRate        *float64 `json:"exchangeRate"`
	Interest            *float64 `json:"interest"`
	Timestamp           int64    `json:"timestamp,omitempty"`
}

// MLedger is the typed ledger handed to clients, both from REST and from sld frames.
// BaseCurrency is only set when the upstream names it explicitly.
type MLedger struct {
	BaseCurrency string           `json:"baseCurrency,omitempty"`
	Balances     []MLedgerBalance `json:"balances"`
}
