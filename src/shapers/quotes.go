// Package shapers turns upstream payloads into downstream events. Every function
// here is pure.
package shapers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/models"

	"github.com/shopspring/decimal"
)

// Market data field ids.
const (
	FieldLast          = "31"
	FieldMark          = "7635"
	FieldChangeAmount  = "82"
	FieldChangePercent = "83"
	FieldBid           = "84"
	FieldAsk           = "86"
	FieldDayHigh       = "70"
	FieldDayLow        = "71"
)

// OptionMultiplier is the contract size of an equity option.
const OptionMultiplier = 100

var optionDescRe = regexp.MustCompile(`^(\S+)\s+(\S+)\s+([\d.]+)\s+([CP])\b`)

// -----------------------------------------------------------------------------

// ParsePrice returns the best price of a tick: last, then mark.
func ParsePrice(fields map[string]interface{}) (float64, bool) {
	for _, key := range []string{FieldLast, FieldMark} {
		if p, ok := helpers.ParseFloat(fields[key]); ok {
			return p, true
		}
	}
	return 0, false
}

// -----------------------------------------------------------------------------

// OptionDisplay rewrites "IBIT   JUL2025 65 C [...]" as "IBIT JUL2025 $65.00 C".
func OptionDisplay(desc string) (string, bool) {
	m := optionDescRe.FindStringSubmatch(strings.TrimSpace(desc))
	if m == nil {
		return "", false
	}
	strike, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s %s $%.2f %s", m[1], m[2], strike, m[4]), true
}

// Symbol is the display name of a position.
func Symbol(pos models.MPosition) string {
	if pos.IsOption() {
		if s, ok := OptionDisplay(pos.ContractDesc); ok {
			return s
		}
	}
	if pos.ContractDesc == "" {
		return pos.Ticker
	}
	return pos.ContractDesc
}

// -----------------------------------------------------------------------------

// Multiplier returns the notional factor of a position.
func Multiplier(pos models.MPosition) int64 {
	if pos.IsOption() {
		return OptionMultiplier
	}
	return 1
}

// -----------------------------------------------------------------------------

// PortfolioRow shapes a tick for a held contract. It reports false when the
// tick carries no usable price.
func PortfolioRow(pos models.MPosition, fields map[string]interface{}) (*models.MMarketDataEvent, bool) {
	price, ok := ParsePrice(fields)
	if !ok {
		return nil, false
	}

	p := decimal.NewFromFloat(price)
	qty := decimal.NewFromFloat(pos.Position)
	avg := decimal.NewFromFloat(pos.AvgPrice)
	mult := decimal.NewFromInt(Multiplier(pos))

	value, _ := p.Mul(qty).Mul(mult).Round(2).Float64()
	unrealized, _ := p.Sub(avg).Mul(qty).Mul(mult).Round(2).Float64()

	return &models.MMarketDataEvent{
		Type:               models.EventMarketData,
		Conid:              pos.Conid,
		Symbol:             Symbol(pos),
		AssetClass:         pos.AssetClass,
		LastPrice:          helpers.Float(price),
		Quantity:           helpers.Float(pos.Position),
		AvgBoughtPrice:     helpers.Float(pos.AvgPrice),
		Value:              helpers.Float(value),
		UnrealizedPnL:      helpers.Float(unrealized),
		DailyChangePercent: helpers.FloatPtr(fields[FieldChangePercent]),
		DailyChangeAmount:  helpers.FloatPtr(fields[FieldChangeAmount]),
	}, true
}

// -----------------------------------------------------------------------------

// ActiveStock shapes a tick for the stock a client is viewing. Missing fields
// stay nil and are omitted on the wire.
func ActiveStock(conid int64, fields map[string]interface{}, now time.Time) *models.MActiveStockEvent {
	return &models.MActiveStockEvent{
		Type:          models.EventActiveStock,
		Conid:         conid,
		Timestamp:     now.Unix(),
		LastPrice:     helpers.FloatPtr(fields[FieldLast]),
		ChangeAmount:  helpers.FloatPtr(fields[FieldChangeAmount]),
		ChangePercent: helpers.FloatPtr(fields[FieldChangePercent]),
		Bid:           helpers.FloatPtr(fields[FieldBid]),
		Ask:           helpers.FloatPtr(fields[FieldAsk]),
		DayHigh:       helpers.FloatPtr(fields[FieldDayHigh]),
		DayLow:        helpers.FloatPtr(fields[FieldDayLow]),
	}
}

// HasQuote reports whether the active-stock event carries any price field.
func HasQuote(e *models.MActiveStockEvent) bool {
	return e.LastPrice != nil || e.ChangeAmount != nil || e.ChangePercent != nil ||
		e.Bid != nil || e.Ask != nil || e.DayHigh != nil || e.DayLow != nil
}
