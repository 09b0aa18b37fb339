package store

import (
	"sort"
	"sync"

	"portal-relay/src/models"
)

// AccountState is the mutable per-account session state. Every method takes the
// account lock; none of them performs I/O.
type AccountState struct {
	AccountID string

	mu              sync.Mutex
	positions       []models.MPosition
	posIndex        map[int64]int
	positionsLoaded bool
	allocation      *models.MAllocation
	ledger          *models.MLedger

	portfolioSubs    map[int64]struct{}
	activeConid      int64
	depthSubscribed  bool
	chartSubs        map[int64]string
	wsConnected      bool
	pnlSubscribed    bool
	ledgerSubscribed bool

	lastRows map[int64]*models.MMarketDataEvent
}

// -----------------------------------------------------------------------------

func NewAccountState(accountID string) *AccountState {
	return &AccountState{
		AccountID:     accountID,
		posIndex:      map[int64]int{},
		portfolioSubs: map[int64]struct{}{},
		chartSubs:     map[int64]string{},
		lastRows:      map[int64]*models.MMarketDataEvent{},
	}
}

// -----------------------------------------------------------------------------
// Positions
// -----------------------------------------------------------------------------

// SetPositions replaces the position list. Later duplicates of a conid are dropped.
func (a *AccountState) SetPositions(list []models.MPosition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.positions = make([]models.MPosition, 0, len(list))
	a.posIndex = make(map[int64]int, len(list))
	for _, p := range list {
		if _, dup := a.posIndex[p.Conid]; dup {
			continue
		}
		a.posIndex[p.Conid] = len(a.positions)
		a.positions = append(a.positions, p)
	}
	a.positionsLoaded = true
}

// Positions returns a copy of the positions and whether they were ever loaded.
func (a *AccountState) Positions() ([]models.MPosition, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.MPosition(nil), a.positions...), a.positionsLoaded
}

func (a *AccountState) Position(conid int64) (models.MPosition, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.posIndex[conid]
	if !ok {
		return models.MPosition{}, false
	}
	return a.positions[i], true
}

// -----------------------------------------------------------------------------
// Reference snapshots
// -----------------------------------------------------------------------------

func (a *AccountState) SetAllocation(alloc *models.MAllocation) {
	a.mu.Lock()
	a.allocation = alloc
	a.mu.Unlock()
}

func (a *AccountState) Allocation() *models.MAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocation
}

func (a *AccountState) SetLedger(l *models.MLedger) {
	a.mu.Lock()
	a.ledger = l
	a.mu.Unlock()
}

func (a *AccountState) Ledger() *models.MLedger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger
}

// RememberRow keeps the last portfolio row of a conid for replay to new clients.
func (a *AccountState) RememberRow(ev *models.MMarketDataEvent) {
	a.mu.Lock()
	a.lastRows[ev.Conid] = ev
	a.mu.Unlock()
}

// LastRows returns the remembered rows ordered by conid.
func (a *AccountState) LastRows() []*models.MMarketDataEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.MMarketDataEvent, 0, len(a.lastRows))
	for _, ev := range a.lastRows {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conid < out[j].Conid })
	return out
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// AddPortfolio records conids as subscribed and returns the ones that were not.
func (a *AccountState) AddPortfolio(conids []int64) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var added []int64
	for _, c := range conids {
		if _, ok := a.portfolioSubs[c]; ok {
			continue
		}
		a.portfolioSubs[c] = struct{}{}
		added = append(added, c)
	}
	return added
}

// RemovePortfolio drops conids from the subscription set and returns the ones removed.
func (a *AccountState) RemovePortfolio(conids []int64) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []int64
	for _, c := range conids {
		if _, ok := a.portfolioSubs[c]; ok {
			delete(a.portfolioSubs, c)
			removed = append(removed, c)
		}
	}
	return removed
}

// PortfolioConids returns the subscribed conids in ascending order.
func (a *AccountState) PortfolioConids() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int64, 0, len(a.portfolioSubs))
	for c := range a.portfolioSubs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsPortfolioConid reports whether conid is in the portfolio subscription set.
func (a *AccountState) IsPortfolioConid(conid int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.portfolioSubs[conid]
	return ok
}

// SetActiveConid marks conid as the viewed stock and returns the previous one (0 for none).
func (a *AccountState) SetActiveConid(conid int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.activeConid
	a.activeConid = conid
	return prev
}

// ClearActiveConid unsets the viewed stock if it is still conid.
func (a *AccountState) ClearActiveConid(conid int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeConid != conid {
		return false
	}
	a.activeConid = 0
	a.depthSubscribed = false
	return true
}

func (a *AccountState) ActiveConid() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeConid
}

func (a *AccountState) SetDepthSubscribed(v bool) {
	a.mu.Lock()
	a.depthSubscribed = v
	a.mu.Unlock()
}

func (a *AccountState) DepthSubscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depthSubscribed
}

// AddChart registers a pending chart stream; the server id arrives with the first frame.
func (a *AccountState) AddChart(conid int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.chartSubs[conid]; !ok {
		a.chartSubs[conid] = ""
	}
}

// SetChartServerID records the server id of a chart stream if none is known yet.
// It reports false when no stream for conid is tracked.
func (a *AccountState) SetChartServerID(conid int64, serverID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.chartSubs[conid]
	if !ok {
		return false
	}
	if cur == "" {
		a.chartSubs[conid] = serverID
	}
	return true
}

// RemoveChart forgets a chart stream and returns its server id.
func (a *AccountState) RemoveChart(conid int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.chartSubs[conid]
	delete(a.chartSubs, conid)
	return id, ok
}

func (a *AccountState) ChartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chartSubs)
}

// -----------------------------------------------------------------------------
// Connection flags
// -----------------------------------------------------------------------------

func (a *AccountState) SetConnected(v bool) {
	a.mu.Lock()
	a.wsConnected = v
	a.mu.Unlock()
}

func (a *AccountState) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wsConnected
}

func (a *AccountState) SetPnLSubscribed(v bool) {
	a.mu.Lock()
	a.pnlSubscribed = v
	a.mu.Unlock()
}

func (a *AccountState) PnLSubscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pnlSubscribed
}

func (a *AccountState) SetLedgerSubscribed(v bool) {
	a.mu.Lock()
	a.ledgerSubscribed = v
	a.mu.Unlock()
}

func (a *AccountState) LedgerSubscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledgerSubscribed
}

// -----------------------------------------------------------------------------

// ResetStreams clears everything tied to the upstream socket. None of it
// survives a disconnect, so clients must subscribe again.
func (a *AccountState) ResetStreams() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.wsConnected = false
	a.pnlSubscribed = false
	a.ledgerSubscribed = false
	a.chartSubs = map[int64]string{}
	a.portfolioSubs = map[int64]struct{}{}
	a.activeConid = 0
	a.depthSubscribed = false
}

// -----------------------------------------------------------------------------

// Info fills the subscription part of a session description.
func (a *AccountState) Info() models.MSessionInfo {
	conids := a.PortfolioConids()

	a.mu.Lock()
	defer a.mu.Unlock()
	return models.MSessionInfo{
		AccountID:          a.AccountID,
		Connected:          a.wsConnected,
		ActiveStockConid:   a.activeConid,
		PortfolioConids:    conids,
		PnLSubscribed:      a.pnlSubscribed,
		ChartSubscriptions: len(a.chartSubs),
	}
}
