package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portal-relay/src/logger"
	"portal-relay/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	positions []models.MPosition
	pageCalls int
	alloc     *models.MAllocation
	ledger    map[string]map[string]interface{}
	err       error
}

func (f *fakeSource) PositionsPage(ctx context.Context, accountID string, page int) ([]models.MPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.err != nil {
		return nil, f.err
	}
	// Two per page
	start := page * 2
	if start >= len(f.positions) {
		return nil, nil
	}
	end := start + 2
	if end > len(f.positions) {
		end = len(f.positions)
	}
	return f.positions[start:end], nil
}

func (f *fakeSource) Allocation(ctx context.Context, accountID string) (*models.MAllocation, error) {
	return f.alloc, f.err
}

func (f *fakeSource) Ledger(ctx context.Context, accountID string) (map[string]map[string]interface{}, error) {
	return f.ledger, f.err
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls
}

func samplePositions() []models.MPosition {
	return []models.MPosition{
		{Conid: 265598, ContractDesc: "AAPL", AssetClass: "STK", Position: 10, AvgPrice: 150},
		{Conid: 999, ContractDesc: "IBIT   JUL2025 65 C [IBIT  250731C00065000 100]", AssetClass: "OPT", Position: 2, AvgPrice: 3.5},
		{Conid: 1000, ContractDesc: "AAPL   AUG2025 200 P [AAPL  250815P00200000 100]", AssetClass: "OPT", Position: -1, AvgPrice: 2},
		{Conid: 555, ContractDesc: "IBIT", AssetClass: "STK", Position: 100, AvgPrice: 40},
		{Conid: 265598, ContractDesc: "AAPL dup", AssetClass: "STK"},
	}
}

func TestLoadPositionsPagesUntilEmpty(t *testing.T) {
	src := &fakeSource{positions: samplePositions()}
	s := New(src, logger.NewNop())

	list, err := s.Positions(context.Background(), "U1")
	require.NoError(t, err)
	assert.Len(t, list, 4, "duplicate conid dropped")
	assert.Equal(t, 4, src.calls(), "three pages plus the empty one")

	_, err = s.Positions(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls(), "served from memory")
}

func TestLoadPositionsStopsAtPageCap(t *testing.T) {
	var many []models.MPosition
	for i := 0; i < 2*maxPositionPages+10; i++ {
		many = append(many, models.MPosition{Conid: int64(i + 1), AssetClass: "STK"})
	}
	src := &fakeSource{positions: many}
	s := New(src, logger.NewNop())

	list, err := s.LoadPositions(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, maxPositionPages, src.calls())
	assert.Len(t, list, 2*maxPositionPages)
}

func TestPositionReloadsOnMiss(t *testing.T) {
	src := &fakeSource{positions: samplePositions()[:1]}
	s := New(src, logger.NewNop())
	now := time.Unix(1_750_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := s.Position(ctx, "U1", 999)
	require.NoError(t, err)
	assert.False(t, ok)
	calls := src.calls()

	// Too soon for another reload
	src.mu.Lock()
	src.positions = samplePositions()
	src.mu.Unlock()
	_, ok, _ = s.Position(ctx, "U1", 999)
	assert.False(t, ok)
	assert.Equal(t, calls, src.calls())

	now = now.Add(minReload)
	p, ok, err := s.Position(ctx, "U1", 999)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Position)
}

func TestPositionError(t *testing.T) {
	boom := errors.New("down")
	s := New(&fakeSource{err: boom}, logger.NewNop())
	_, _, err := s.Position(context.Background(), "U1", 1)
	assert.ErrorIs(t, err, boom)
}

func TestRelatedPositions(t *testing.T) {
	s := New(&fakeSource{positions: samplePositions()}, logger.NewNop())
	s.Calendar = nil
	s.now = func() time.Time { return time.Date(2025, 7, 28, 15, 0, 0, 0, time.UTC) }

	rel, err := s.RelatedPositions(context.Background(), "U1", 555, "IBIT")
	require.NoError(t, err)

	require.NotNil(t, rel.Stock)
	assert.Equal(t, int64(555), rel.Stock.Conid)
	require.Len(t, rel.Options, 1)
	assert.Equal(t, int64(999), rel.Options[0].Conid)
	require.NotNil(t, rel.Options[0].DaysToExpire)
	assert.Equal(t, 3, *rel.Options[0].DaysToExpire)
}

func TestAllocationAndLedger(t *testing.T) {
	src := &fakeSource{
		alloc:  &models.MAllocation{Group: models.MAllocationSide{Long: map[string]float64{"Tech": 1}}},
		ledger: map[string]map[string]interface{}{"USD": {"cashbalance": 5.0}},
	}
	s := New(src, logger.NewNop())
	ctx := context.Background()

	alloc, err := s.Allocation(ctx, "U1")
	require.NoError(t, err)
	assert.Same(t, alloc, s.Account("U1").Allocation())

	ledger, err := s.Ledger(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, ledger.Balances, 1)
	assert.Equal(t, "USD", ledger.Balances[0].Currency)
}

func TestAccountStateSubscriptions(t *testing.T) {
	st := NewAccountState("U1")

	assert.Equal(t, []int64{2, 1}, st.AddPortfolio([]int64{2, 1}))
	assert.Empty(t, st.AddPortfolio([]int64{1, 2}))
	assert.Equal(t, []int64{1, 2}, st.PortfolioConids())
	assert.Equal(t, []int64{1}, st.RemovePortfolio([]int64{1, 7}))

	assert.Zero(t, st.SetActiveConid(5))
	assert.Equal(t, int64(5), st.SetActiveConid(6))
	assert.False(t, st.ClearActiveConid(5))
	assert.True(t, st.ClearActiveConid(6))
	assert.Zero(t, st.ActiveConid())

	st.AddChart(10)
	assert.True(t, st.SetChartServerID(10, "s1"))
	assert.True(t, st.SetChartServerID(10, "s2"))
	assert.False(t, st.SetChartServerID(11, "s3"))
	id, ok := st.RemoveChart(10)
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
}

func TestResetStreams(t *testing.T) {
	st := NewAccountState("U1")
	st.SetConnected(true)
	st.SetPnLSubscribed(true)
	st.SetLedgerSubscribed(true)
	st.AddChart(1)
	st.AddPortfolio([]int64{1})
	st.SetActiveConid(2)
	st.SetDepthSubscribed(true)
	st.RememberRow(&models.MMarketDataEvent{Conid: 1})

	st.ResetStreams()

	info := st.Info()
	assert.False(t, info.Connected)
	assert.False(t, info.PnLSubscribed)
	assert.Zero(t, info.ChartSubscriptions)
	assert.Empty(t, info.PortfolioConids)
	assert.Zero(t, info.ActiveStockConid)
	assert.False(t, st.DepthSubscribed())
	assert.False(t, st.LedgerSubscribed())
	// Replay data is kept
	assert.Len(t, st.LastRows(), 1)
}
