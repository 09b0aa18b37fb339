package models

// -----------------------------------------------------------------------------
// Downstream events. Every numeric field that can come from the upstream is a
// pointer so a non-finite value can be written as JSON null.
// -----------------------------------------------------------------------------

// Event type discriminators.
const (
	EventMarketData   = "market_data"
	EventActiveStock  = "active_stock_update"
	EventBookData     = "book_data"
	EventChartUpdate  = "chart_update"
	EventPnL          = "pnl"
	EventLedger       = "ledger"
	EventAllocation   = "allocation"
	EventLogoutNotice = "LOGOUT_NOTIFICATION"
)

// MEvent is implemented by every payload the gateway broadcasts.
type MEvent interface {
	EventType() string
}

// -----------------------------------------------------------------------------

// MMarketDataEvent is a portfolio row tick.
type MMarketDataEvent struct {
	Type               string   `json:"type"`
	Conid              int64    `json:"conid"`
	Symbol             string   `json:"symbol"`
	AssetClass         string   `json:"asset_class,omitempty"`
	LastPrice          *float64 `json:"last_price"`
	Quantity           *float64 `json:"quantity"`
	AvgBoughtPrice     *float64 `json:"avg_bought_price"`
	Value              *float64 `json:"value"`
	UnrealizedPnL      *float64 `json:"unrealized_pnl"`
	DailyChangePercent *float64 `json:"daily_change_percent"`
	DailyChangeAmount  *float64 `json:"daily_change_amount"`
}

func (e *MMarketDataEvent) EventType() string { return EventMarketData }

// -----------------------------------------------------------------------------

// MActiveStockEvent is the richer quote sent for the one stock a client is viewing.
type MActiveStockEvent struct {
	Type          string   `json:"type"`
	Conid         int64    `json:"conid"`
	Timestamp     int64    `json:"timestamp"`
	LastPrice     *float64 `json:"lastPrice,omitempty"`
	ChangeAmount  *float64 `json:"changeAmount,omitempty"`
	ChangePercent *float64 `json:"changePercent,omitempty"`
	Bid           *float64 `json:"bid,omitempty"`
	Ask           *float64 `json:"ask,omitempty"`
	DayHigh       *float64 `json:"dayHigh,omitempty"`
	DayLow        *float64 `json:"dayLow,omitempty"`
}

func (e *MActiveStockEvent) EventType() string { return EventActiveStock }

// -----------------------------------------------------------------------------

type MBookLevel struct {
	Price *float64 `json:"price"`
	Bid   *int64   `json:"bid"`
	Ask   *int64   `json:"ask"`
}

// MBookDataEvent carries depth levels sorted by descending price.
type MBookDataEvent struct {
	Type  string       `json:"type"`
	Conid int64        `json:"conid"`
	Data  []MBookLevel `json:"data"`
}

func (e *MBookDataEvent) EventType() string { return EventBookData }

// -----------------------------------------------------------------------------

type MChartBar struct {
	Time   int64    `json:"time"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *float64 `json:"volume"`
}

type MChartUpdateEvent struct {
	Type     string      `json:"type"`
	Conid    int64       `json:"conid"`
	ServerID string      `json:"serverId,omitempty"`
	Data     []MChartBar `json:"data"`
}

func (e *MChartUpdateEvent) EventType() string { return EventChartUpdate }

// -----------------------------------------------------------------------------

// MPnLRow mirrors the upstream spl row keys.
type MPnLRow struct {
	RowType         *int     `json:"rowType,omitempty"`
	DailyPnL        *float64 `json:"dpl"`
	NetLiquidity    *float64 `json:"nl"`
	UnrealizedPnL   *float64 `json:"upl"`
	RealizedPnL     *float64 `json:"rpl,omitempty"`
	ExcessLiquidity *float64 `json:"el"`
	MarketValue     *float64 `json:"mv"`
}

type MPnLEvent struct {
	Type string             `json:"type"`
	Data map[string]MPnLRow `json:"data"`
}

func (e *MPnLEvent) EventType() string { return EventPnL }

// -----------------------------------------------------------------------------

type MLedgerEvent struct {
	Type string  `json:"type"`
	Data MLedger `json:"data"`
}

func (e *MLedgerEvent) EventType() string { return EventLedger }

// -----------------------------------------------------------------------------

type MAllocationEvent struct {
	Type string       `json:"type"`
	Data *MAllocation `json:"data"`
}

func (e *MAllocationEvent) EventType() string { return EventAllocation }

// -----------------------------------------------------------------------------

type MLogoutEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *MLogoutEvent) EventType() string { return EventLogoutNotice }
