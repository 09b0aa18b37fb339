package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
	"portal-relay/src/shapers"
	"portal-relay/src/store"

	"golang.org/x/time/rate"
)

// Upstream topic prefixes.
const (
	TopicMarketData = "smd"
	TopicBookData   = "sbd"
	TopicHistory    = "smh"
	TopicPnL        = "spl"
	TopicLedger     = "sld"
	TopicStatus     = "sts"
	TopicSystem     = "system"
	TopicTic        = "tic"
	TopicAccount    = "act"
)

// -----------------------------------------------------------------------------

// Dispatcher turns the inbound frames of one account's socket into shaped
// events for that account's clients.
type Dispatcher struct {
	AccountID string
	Store     *store.Store
	Sink      interfaces.IEventSink
	Metrics   *metrics.Metrics
	Logger    *logger.Logger

	state *store.AccountState
	now   func() time.Time

	// Repeated per-frame warnings are sampled.
	dropLog    rate.Sometimes
	unknownLog rate.Sometimes
}

// -----------------------------------------------------------------------------

// New creates the dispatcher of accountID.
func New(accountID string, st *store.Store, sink interfaces.IEventSink, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		AccountID:  accountID,
		Store:      st,
		Sink:       sink,
		Metrics:    m,
		Logger:     log,
		state:      st.Account(accountID),
		now:        time.Now,
		dropLog:    rate.Sometimes{First: 5, Interval: 30 * time.Second},
		unknownLog: rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// -----------------------------------------------------------------------------

// Run dispatches frames in arrival order until ctx is done or frames closes.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			d.Dispatch(ctx, raw)
		}
	}
}

// -----------------------------------------------------------------------------

// Dispatch handles one frame: a JSON object, an array of objects, or a control
// string that is ignored. Each message is handled on its own.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.dropLog.Do(func() { d.Logger.Warning("dropping unparseable frame: %v", err) })
		return
	}

	switch t := payload.(type) {
	case map[string]interface{}:
		d.handleSafe(ctx, t)
	case []interface{}:
		for _, item := range t {
			if msg, ok := item.(map[string]interface{}); ok {
				d.handleSafe(ctx, msg)
			}
		}
	}
}

func (d *Dispatcher) handleSafe(ctx context.Context, msg map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error("handler panic on topic %v: %v", msg["topic"], r)
		}
	}()
	d.handle(ctx, msg)
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) handle(ctx context.Context, msg map[string]interface{}) {
	topic, _ := msg["topic"].(string)
	if topic == "" {
		return
	}
	prefix, rest, _ := strings.Cut(topic, "+")

	if d.Metrics != nil {
		d.Metrics.UpstreamFrames.WithLabelValues(prefix).Inc()
	}

	switch prefix {
	case TopicMarketData:
		d.onMarketData(ctx, rest, msg)
	case TopicBookData:
		d.onBookData(rest, msg)
	case TopicHistory:
		d.onHistory(rest, msg)
	case TopicPnL:
		d.onPnL(msg)
	case TopicLedger:
		d.onLedger(msg)
	case TopicStatus:
		d.onStatus(msg)
	case TopicSystem, TopicTic, TopicAccount:
	default:
		d.unknownLog.Do(func() { d.Logger.Debug("ignoring topic %s", topic) })
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onMarketData(ctx context.Context, rest string, msg map[string]interface{}) {
	conid, ok := conidOf(rest, msg)
	if !ok {
		return
	}

	if conid == d.state.ActiveConid() {
		ev := shapers.ActiveStock(conid, msg, d.now())
		if shapers.HasQuote(ev) {
			d.emit(ev)
		}
		return
	}

	// Unpriced ticks never trigger a positions reload.
	if _, ok := shapers.ParsePrice(msg); !ok {
		return
	}

	pos, found, err := d.Store.Position(ctx, d.AccountID, conid)
	if err != nil {
		d.dropLog.Do(func() { d.Logger.Warning("position lookup for %d failed: %v", conid, err) })
		return
	}
	if !found {
		d.unknownLog.Do(func() { d.Logger.Debug("tick for unknown conid %d", conid) })
		return
	}

	row, ok := shapers.PortfolioRow(pos, msg)
	if !ok {
		return
	}
	d.state.RememberRow(row)
	d.emit(row)
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onBookData(rest string, msg map[string]interface{}) {
	rows, _ := msg["data"].([]interface{})

	// sbd+{acct}+{conid}
	conid, ok := conidOf(lastSegment(rest), msg)
	if !ok {
		conid = d.state.ActiveConid()
	}
	d.emit(shapers.BookLevels(conid, rows))
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onHistory(rest string, msg map[string]interface{}) {
	conid, ok := conidOf(rest, msg)
	if !ok {
		return
	}

	serverID := stringOf(msg["serverId"])
	if serverID != "" {
		d.state.SetChartServerID(conid, serverID)
	}

	rows, _ := msg["data"].([]interface{})
	d.emit(shapers.ChartBars(conid, serverID, rows))
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onPnL(msg map[string]interface{}) {
	rows := shapers.NormalizePnL(msg["args"])
	if len(rows) == 0 {
		return
	}
	d.emit(&models.MPnLEvent{Type: models.EventPnL, Data: rows})
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onLedger(msg map[string]interface{}) {
	ledger := shapers.LedgerFromRows(msg["args"])
	if len(ledger.Balances) == 0 {
		return
	}
	d.state.SetLedger(&ledger)
	d.emit(&models.MLedgerEvent{Type: models.EventLedger, Data: ledger})
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) onStatus(msg map[string]interface{}) {
	args, _ := msg["args"].(map[string]interface{})
	if authed, ok := args["authenticated"].(bool); ok && !authed {
		d.Logger.Warning("upstream reports the session is no longer authenticated")
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) emit(ev models.MEvent) {
	if d.Sink == nil {
		return
	}
	d.Sink.Broadcast(d.AccountID, ev)
}

// -----------------------------------------------------------------------------

// conidOf reads the conid from the topic suffix, then from the message.
func conidOf(rest string, msg map[string]interface{}) (int64, bool) {
	if id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
		return id, true
	}
	for _, key := range []string{"conid", "conidEx"} {
		if id, ok := helpers.ParseInt(msg[key]); ok {
			return id, true
		}
	}
	return 0, false
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "+"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func stringOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
