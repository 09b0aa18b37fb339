package shapers

import (
	"sort"
	"strings"

	"portal-relay/src/helpers"
	"portal-relay/src/models"
)

// BookLevels shapes the rows of an sbd frame. Prices formatted as
// "<size> @ <price>" keep the part after "@". Levels come out by descending
// price, unpriced rows last.
func BookLevels(conid int64, rows []interface{}) *models.MBookDataEvent {
	levels := make([]models.MBookLevel, 0, len(rows))

	for _, r := range rows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}

		level := models.MBookLevel{Price: bookPrice(row["price"])}
		if n, ok := helpers.ParseInt(row["bid"]); ok {
			level.Bid = &n
		}
		if n, ok := helpers.ParseInt(row["ask"]); ok {
			level.Ask = &n
		}
		levels = append(levels, level)
	}

	sort.SliceStable(levels, func(i, j int) bool {
		a, b := levels[i].Price, levels[j].Price
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return *a > *b
	})

	return &models.MBookDataEvent{Type: models.EventBookData, Conid: conid, Data: levels}
}

func bookPrice(v interface{}) *float64 {
	if s, ok := v.(string); ok {
		if i := strings.LastIndex(s, "@"); i >= 0 {
			s = s[i+1:]
		}
		return helpers.FloatPtr(s)
	}
	return helpers.FloatPtr(v)
}

// -----------------------------------------------------------------------------

// ChartBars shapes the bars of an smh frame, converting millisecond timestamps
// to seconds. Bars without a timestamp are dropped.
func ChartBars(conid int64, serverID string, rows []interface{}) *models.MChartUpdateEvent {
	bars := make([]models.MChartBar, 0, len(rows))

	for _, r := range rows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		ms, ok := helpers.ParseInt(row["t"])
		if !ok {
			continue
		}
		bars = append(bars, models.MChartBar{
			Time:   ms / 1000,
			Open:   helpers.FloatPtr(row["o"]),
			High:   helpers.FloatPtr(row["h"]),
			Low:    helpers.FloatPtr(row["l"]),
			Close:  helpers.FloatPtr(row["c"]),
			Volume: helpers.FloatPtr(row["v"]),
		})
	}

	return &models.MChartUpdateEvent{
		Type:     models.EventChartUpdate,
		Conid:    conid,
		ServerID: serverID,
		Data:     bars,
	}
}
