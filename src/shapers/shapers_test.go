package shapers

import (
	"encoding/json"
	"testing"
	"time"

	"portal-relay/src/models"
	"portal-relay/src/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortfolioRowStock(t *testing.T) {
	pos := models.MPosition{Conid: 265598, ContractDesc: "AAPL", AssetClass: "STK", Position: 10, AvgPrice: 150}
	ev, ok := PortfolioRow(pos, map[string]interface{}{"31": "172.00", "83": 1.18, "82": 2.00})
	require.True(t, ok)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "market_data",
		"conid": 265598,
		"symbol": "AAPL",
		"asset_class": "STK",
		"last_price": 172,
		"quantity": 10,
		"avg_bought_price": 150,
		"value": 1720,
		"unrealized_pnl": 220,
		"daily_change_percent": 1.18,
		"daily_change_amount": 2
	}`, string(raw))
}

func TestPortfolioRowOption(t *testing.T) {
	pos := models.MPosition{
		Conid:        999,
		ContractDesc: "IBIT   JUL2025 65 C [IBIT  250731C00065000 100]",
		AssetClass:   "OPT",
		Position:     2,
		AvgPrice:     3.50,
	}
	ev, ok := PortfolioRow(pos, map[string]interface{}{"31": "4.00"})
	require.True(t, ok)

	assert.Equal(t, "IBIT JUL2025 $65.00 C", ev.Symbol)
	assert.Equal(t, 800.0, *ev.Value)
	assert.Equal(t, 100.0, *ev.UnrealizedPnL)
	assert.Nil(t, ev.DailyChangePercent)
}

func TestPortfolioRowPricePriority(t *testing.T) {
	pos := models.MPosition{Conid: 1, ContractDesc: "X", AssetClass: "STK", Position: 1, AvgPrice: 1}

	ev, ok := PortfolioRow(pos, map[string]interface{}{"7635": "5.5"})
	require.True(t, ok)
	assert.Equal(t, 5.5, *ev.LastPrice)

	ev, ok = PortfolioRow(pos, map[string]interface{}{"31": "C6.25", "7635": "5.5"})
	require.True(t, ok)
	assert.Equal(t, 6.25, *ev.LastPrice)

	_, ok = PortfolioRow(pos, map[string]interface{}{"31": "NaN", "83": "+inf"})
	assert.False(t, ok)
	_, ok = PortfolioRow(pos, map[string]interface{}{"83": 1.0})
	assert.False(t, ok)
}

func TestOptionDisplay(t *testing.T) {
	s, ok := OptionDisplay("SPY    DEC2025 450.5 P [SPY   251219P00450500 100]")
	require.True(t, ok)
	assert.Equal(t, "SPY DEC2025 $450.50 P", s)

	_, ok = OptionDisplay("AAPL")
	assert.False(t, ok)

	pos := models.MPosition{ContractDesc: "weird option", AssetClass: "OPT"}
	assert.Equal(t, "weird option", Symbol(pos))
}

func TestActiveStock(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	ev := ActiveStock(265598, map[string]interface{}{"31": "172.00", "82": 2.00, "83": 1.18}, now)

	assert.Equal(t, int64(1_750_000_000), ev.Timestamp)
	assert.Equal(t, 172.0, *ev.LastPrice)
	assert.True(t, HasQuote(ev))

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "bid")
	assert.NotContains(t, string(raw), "dayHigh")

	assert.False(t, HasQuote(ActiveStock(1, map[string]interface{}{"_updated": 1}, now)))
}

func TestBookLevels(t *testing.T) {
	ev := BookLevels(265598, []interface{}{
		map[string]interface{}{"price": "171.90", "bid": "300"},
		map[string]interface{}{"price": "5 @ 172.10", "ask": "1,200"},
		map[string]interface{}{"ask": "9"},
		map[string]interface{}{"price": 172.00, "bid": 100, "ask": "50"},
		"junk",
	})

	require.Len(t, ev.Data, 4)
	assert.Equal(t, 172.10, *ev.Data[0].Price)
	assert.Equal(t, int64(1200), *ev.Data[0].Ask)
	assert.Nil(t, ev.Data[0].Bid)
	assert.Equal(t, 172.00, *ev.Data[1].Price)
	assert.Equal(t, 171.90, *ev.Data[2].Price)
	assert.Nil(t, ev.Data[3].Price)
}

func TestChartBars(t *testing.T) {
	ev := ChartBars(265598, "srv-7", []interface{}{
		map[string]interface{}{"t": 1_750_000_000_000.0, "o": 1.0, "h": 2.0, "l": 0.5, "c": 1.5, "v": 100.0},
		map[string]interface{}{"o": 1.0},
	})

	require.Len(t, ev.Data, 1)
	assert.Equal(t, int64(1_750_000_000), ev.Data[0].Time)
	assert.Equal(t, "srv-7", ev.ServerID)
	assert.Equal(t, 1.5, *ev.Data[0].Close)
}

func TestNormalizePnL(t *testing.T) {
	byKey := NormalizePnL(map[string]interface{}{
		"U1.Core": map[string]interface{}{"rowType": 1.0, "dpl": 12.5, "nl": 1000.0, "upl": 3.0, "el": 900.0, "mv": 500.0},
		"noise":   "x",
	})
	require.Len(t, byKey, 1)
	assert.Equal(t, 12.5, *byKey["U1.Core"].DailyPnL)
	assert.Equal(t, 1, *byKey["U1.Core"].RowType)

	list := NormalizePnL([]interface{}{
		map[string]interface{}{"key": "U1.Core", "dpl": 1.0},
		map[string]interface{}{"upl": 2.0},
		map[string]interface{}{"dpl": 3.0},
	})
	require.Len(t, list, 2)
	assert.Equal(t, 1.0, *list["U1.Core"].DailyPnL)
	assert.Equal(t, 3.0, *list["2"].DailyPnL)

	single := NormalizePnL(map[string]interface{}{"dpl": 5.0, "key": "U2.Core"})
	assert.Equal(t, 5.0, *single["U2.Core"].DailyPnL)

	assert.Empty(t, NormalizePnL(nil))
	assert.Empty(t, NormalizePnL(map[string]interface{}{}))
}

func TestLedgerFromRESTRows(t *testing.T) {
	ledger := LedgerFromRows(map[string]map[string]interface{}{
		"USD":  {"cashbalance": 1000.0, "netliquidationvalue": 5000.0, "currency": "USD", "timestamp": 1_750_000_000.0},
		"BASE": {"cashbalance": 1200.0, "currency": "BASE", "stockoptionmarketvalue": 800.0},
		"EUR":  {"timestamp": 1.0},
	})

	require.Len(t, ledger.Balances, 2)
	assert.True(t, ledger.Balances[0].IsBase)
	assert.Equal(t, "BASE", ledger.Balances[0].Currency)
	assert.Equal(t, 800.0, *ledger.Balances[0].OptionMarketValue)
	assert.Equal(t, "USD", ledger.Balances[1].Currency)
	assert.Equal(t, int64(1_750_000_000), ledger.Balances[1].Timestamp)

	// Never guessed
	assert.Empty(t, ledger.BaseCurrency)
}

func TestLedgerFromFrameRows(t *testing.T) {
	ledger := LedgerFromRows([]interface{}{
		map[string]interface{}{"key": "LedgerListBASE", "secondKey": "BASE", "cashbalance": 10.0, "currency": "CHF"},
		map[string]interface{}{"key": "LedgerListUSD", "cashbalance": 7.0},
		map[string]interface{}{"key": "LedgerListEUR", "timestamp": 3.0},
	})

	require.Len(t, ledger.Balances, 2)
	assert.Equal(t, "CHF", ledger.BaseCurrency)
	assert.Equal(t, "USD", ledger.Balances[1].Currency)
}

func TestExpiryFromDescription(t *testing.T) {
	exp, ok := ExpiryFromDescription("IBIT   JUL2025 65 C [IBIT  250731C00065000 100]")
	require.True(t, ok)
	assert.Equal(t, "2025-07-31", exp.Format("2006-01-02"))

	exp, ok = ExpiryFromDescription("IBIT JUL2025 65 C")
	require.True(t, ok)
	assert.Equal(t, "2025-07-18", exp.Format("2006-01-02"))

	exp, ok = ExpiryFromDescription("SPY MAR26 500 P")
	require.True(t, ok)
	assert.Equal(t, "2026-03-20", exp.Format("2006-01-02"))

	_, ok = ExpiryFromDescription("AAPL")
	assert.False(t, ok)
}

func TestDaysToExpire(t *testing.T) {
	exp := time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysToExpire(exp, time.Date(2025, 7, 28, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, DaysToExpire(exp, time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)))
}

func TestAnnotateExpiry(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cal := &utils.TradingCalendar{Fallback: true, Timezone: ny}
	now := time.Date(2025, 7, 25, 10, 0, 0, 0, ny) // Friday

	pos := AnnotateExpiry(models.MPosition{ContractDesc: "IBIT   JUL2025 65 C [IBIT  250731C00065000 100]", AssetClass: "OPT"}, now, cal)
	require.NotNil(t, pos.DaysToExpire)
	assert.Equal(t, 6, *pos.DaysToExpire)
	assert.Equal(t, 4, *pos.TradingDaysToExpire)

	stock := AnnotateExpiry(models.MPosition{ContractDesc: "AAPL"}, now, cal)
	assert.Nil(t, stock.DaysToExpire)
}
