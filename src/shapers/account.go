package shapers

import (
	"sort"
	"strconv"
	"strings"

	"portal-relay/src/helpers"
	"portal-relay/src/models"
)

// BaseRow is the ledger key of the account base-currency aggregate.
const BaseRow = "BASE"

// -----------------------------------------------------------------------------

// NormalizePnL turns the args of an spl frame into rows keyed by account. The
// args are either a mapping of key to row, a single row, or a list of rows;
// rows are recognised by their dpl field.
func NormalizePnL(args interface{}) map[string]models.MPnLRow {
	out := map[string]models.MPnLRow{}

	switch t := args.(type) {
	case map[string]interface{}:
		if _, single := t["dpl"]; single {
			out[rowKey(t, "default")] = pnlRow(t)
			break
		}
		for k, v := range t {
			if row, ok := v.(map[string]interface{}); ok {
				if _, isRow := row["dpl"]; isRow {
					out[k] = pnlRow(row)
				}
			}
		}
	case []interface{}:
		for i, v := range t {
			row, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			if _, isRow := row["dpl"]; !isRow {
				continue
			}
			out[rowKey(row, strconv.Itoa(i))] = pnlRow(row)
		}
	}
	return out
}

func rowKey(row map[string]interface{}, fallback string) string {
	for _, k := range []string{"key", "acctId", "account"} {
		if s, ok := row[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func pnlRow(row map[string]interface{}) models.MPnLRow {
	r := models.MPnLRow{
		DailyPnL:        helpers.FloatPtr(row["dpl"]),
		NetLiquidity:    helpers.FloatPtr(row["nl"]),
		UnrealizedPnL:   helpers.FloatPtr(row["upl"]),
		RealizedPnL:     helpers.FloatPtr(row["rpl"]),
		ExcessLiquidity: helpers.FloatPtr(row["el"]),
		MarketValue:     helpers.FloatPtr(row["mv"]),
	}
	if n, ok := helpers.ParseInt(row["rowType"]); ok {
		rt := int(n)
		r.RowType = &rt
	}
	return r
}

// -----------------------------------------------------------------------------

// LedgerFromRows shapes ledger rows from either the REST ledger (a mapping of
// currency to row) or an sld frame (a list of rows). Rows without cashbalance
// are partial updates and are dropped. The base currency is only reported when
// the BASE row names a real currency.
func LedgerFromRows(rows interface{}) models.MLedger {
	type keyed struct {
		key string
		row map[string]interface{}
	}

	var items []keyed
	switch t := rows.(type) {
	case map[string]map[string]interface{}:
		for k, v := range t {
			items = append(items, keyed{k, v})
		}
	case map[string]interface{}:
		for k, v := range t {
			if row, ok := v.(map[string]interface{}); ok {
				items = append(items, keyed{k, row})
			}
		}
	case []interface{}:
		for _, v := range t {
			if row, ok := v.(map[string]interface{}); ok {
				items = append(items, keyed{"", row})
			}
		}
	}

	ledger := models.MLedger{Balances: []models.MLedgerBalance{}}
	for _, it := range items {
		if _, ok := it.row["cashbalance"]; !ok {
			continue
		}

		code := ledgerCurrency(it.key, it.row)
		bal := models.MLedgerBalance{
			Currency:            code,
			IsBase:              code == BaseRow,
			CashBalance:         helpers.FloatPtr(it.row["cashbalance"]),
			SettledCash:         helpers.FloatPtr(it.row["settledcash"]),
			NetLiquidationValue: helpers.FloatPtr(it.row["netliquidationvalue"]),
			StockMarketValue:    helpers.FloatPtr(it.row["stockmarketvalue"]),
			OptionMarketValue:   firstFloat(it.row, "stockoptionmarketvalue", "optionmarketvalue"),
			UnrealizedPnL:       helpers.FloatPtr(it.row["unrealizedpnl"]),
			RealizedPnL:         helpers.FloatPtr(it.row["realizedpnl"]),
			ExchangeRate:        helpers.FloatPtr(it.row["exchangerate"]),
			Interest:            helpers.FloatPtr(it.row["interest"]),
		}
		if ts, ok := helpers.ParseInt(it.row["timestamp"]); ok {
			bal.Timestamp = ts
		}
		if bal.IsBase {
			if cur, ok := it.row["currency"].(string); ok && isCurrencyCode(cur) && cur != BaseRow {
				ledger.BaseCurrency = strings.ToUpper(cur)
			}
		}
		ledger.Balances = append(ledger.Balances, bal)
	}

	// BASE first, then by currency
	sort.Slice(ledger.Balances, func(i, j int) bool {
		a, b := ledger.Balances[i], ledger.Balances[j]
		if a.IsBase != b.IsBase {
			return a.IsBase
		}
		return a.Currency < b.Currency
	})
	return ledger
}

func ledgerCurrency(key string, row map[string]interface{}) string {
	for _, k := range []string{"secondkey", "secondKey"} {
		if s, ok := row[k].(string); ok && s != "" {
			return strings.ToUpper(s)
		}
	}
	if key != "" {
		return strings.ToUpper(key)
	}
	if s, ok := row["key"].(string); ok && strings.HasPrefix(s, "LedgerList") && len(s) > len("LedgerList") {
		return strings.ToUpper(strings.TrimPrefix(s, "LedgerList"))
	}
	if s, ok := row["currency"].(string); ok {
		return strings.ToUpper(s)
	}
	return ""
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func firstFloat(row map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		if f := helpers.FloatPtr(row[k]); f != nil {
			return f
		}
	}
	return nil
}
