package models

// -----------------------------------------------------------------------------
// MClientCommand is a JSON command read from a downstream client socket
// -----------------------------------------------------------------------------

type MClientCommand struct {
	Action    string `json:"action"`
	Conid     int64  `json:"conid,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Period    string `json:"period,omitempty"`
	Bar       string `json:"bar,omitempty"`
}

// Client actions.
const (
	ActionSubscribeStock       = "subscribe_stock"
	ActionUnsubscribeStock     = "unsubscribe_stock"
	ActionSubscribePortfolio   = "subscribe_portfolio"
	ActionUnsubscribePortfolio = "unsubscribe_portfolio"
	ActionInitialAllocation    = "GET_INITIAL_ALLOCATION"
	ActionSubscribeChart       = "subscribe_chart"
	ActionUnsubscribeChart     = "unsubscribe_chart"
	ActionSubscribePnL         = "subscribe_pnl"
	ActionUnsubscribePnL       = "unsubscribe_pnl"
	ActionSubscribeLedger      = "subscribe_ledger"
	ActionUnsubscribeLedger    = "unsubscribe_ledger"
)

// MAuthStatus is the body of GET /auth/status.
type MAuthStatus struct {
	Authenticated  bool   `json:"authenticated"`
	WebsocketReady bool   `json:"websocket_ready"`
	MarketOpen     bool   `json:"market_open"`
	Message        string `json:"message"`
}

// MSessionInfo describes one account runtime for the control plane and health route.
type MSessionInfo struct {
	AccountID          string  `json:"account_id"`
	State              string  `json:"state"`
	Connected          bool    `json:"connected"`
	Clients            int     `json:"clients"`
	ActiveStockConid   int64   `json:"active_stock_conid,omitempty"`
	PortfolioConids    []int64 `json:"portfolio_conids"`
	PnLSubscribed      bool    `json:"pnl_subscribed"`
	ChartSubscriptions int     `json:"chart_subscriptions"`
}

// MRequestOptions carries the optional parts of a portal HTTP call.
type MRequestOptions struct {
	Query   map[string]string
	Body    interface{}
	Headers map[string]string
}
