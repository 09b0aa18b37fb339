package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/models"
	"portal-relay/src/store"

	"golang.org/x/time/rate"
)

// Field sets requested on market data subscriptions.
var (
	ActiveStockFields = []int{31, 84, 86, 82, 83, 70, 71}
	PortfolioFields   = []int{31, 7635, 83, 82}
)

// Chart defaults when the client omits them.
const (
	DefaultChartPeriod = "1d"
	DefaultChartBar    = "5min"
)

// DefaultSpacing separates consecutive subscribe frames of a batch.
const DefaultSpacing = 50 * time.Millisecond

// -----------------------------------------------------------------------------

// Broker turns client commands into upstream socket frames and keeps the
// subscription state of one account in step with them.
type Broker struct {
	AccountID string
	Store     *store.Store
	Sender    interfaces.IFrameSender
	Sink      interfaces.IEventSink
	Spacing   time.Duration
	Logger    *logger.Logger

	state   *store.AccountState
	dropLog rate.Sometimes
}

// -----------------------------------------------------------------------------

// New creates the broker of accountID.
func New(accountID string, st *store.Store, sender interfaces.IFrameSender, sink interfaces.IEventSink, spacing time.Duration, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.NewNop()
	}
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Broker{
		AccountID: accountID,
		Store:     st,
		Sender:    sender,
		Sink:      sink,
		Spacing:   spacing,
		Logger:    log,
		state:     st.Account(accountID),
		dropLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// -----------------------------------------------------------------------------

// Handle executes one client command. Commands arriving while the upstream
// socket is down are dropped.
func (b *Broker) Handle(ctx context.Context, cmd models.MClientCommand) error {
	if b.Sender == nil || !b.Sender.Running() {
		b.dropLog.Do(func() { b.Logger.Warning("dropping %s: upstream socket is not running", cmd.Action) })
		return helpers.NewError(helpers.KindNotConnected, cmd.Action, nil)
	}
	if cmd.AccountID != "" && cmd.AccountID != b.AccountID {
		b.Logger.Warning("dropping %s for foreign account %s", cmd.Action, cmd.AccountID)
		return helpers.NewError(helpers.KindBadRequest, "account mismatch", nil)
	}

	switch cmd.Action {
	case models.ActionSubscribeStock:
		return b.SubscribeStock(ctx, cmd.Conid)
	case models.ActionUnsubscribeStock:
		return b.UnsubscribeStock(ctx, cmd.Conid)
	case models.ActionSubscribePortfolio:
		return b.SubscribePortfolio(ctx)
	case models.ActionUnsubscribePortfolio:
		return b.UnsubscribePortfolio(ctx)
	case models.ActionInitialAllocation:
		return b.InitialAllocation(ctx)
	case models.ActionSubscribeChart:
		return b.SubscribeChart(ctx, cmd.Conid, cmd.Period, cmd.Bar)
	case models.ActionUnsubscribeChart:
		return b.UnsubscribeChart(ctx, cmd.Conid)
	case models.ActionSubscribePnL:
		return b.SubscribePnL(ctx)
	case models.ActionUnsubscribePnL:
		return b.UnsubscribePnL(ctx)
	case models.ActionSubscribeLedger:
		return b.SubscribeLedger(ctx)
	case models.ActionUnsubscribeLedger:
		return b.UnsubscribeLedger(ctx)
	}
	return helpers.NewError(helpers.KindBadRequest, fmt.Sprintf("unknown action %q", cmd.Action), nil)
}

// -----------------------------------------------------------------------------
// Active stock
// -----------------------------------------------------------------------------

// SubscribeStock makes conid the active stock. The active conid is switched
// before any frame goes out so ticks in flight route consistently.
func (b *Broker) SubscribeStock(ctx context.Context, conid int64) error {
	if conid <= 0 {
		return helpers.NewError(helpers.KindBadRequest, "subscribe_stock needs a conid", nil)
	}

	prev := b.state.SetActiveConid(conid)
	if prev != 0 && prev != conid {
		if err := b.releaseStock(prev); err != nil {
			// prev still streams, keep it active
			b.state.SetActiveConid(prev)
			return err
		}
	}

	if err := b.send(MarketDataFrame(conid, ActiveStockFields)); err != nil {
		b.state.ClearActiveConid(conid)
		return err
	}
	if b.AccountID != "" {
		if err := b.send(fmt.Sprintf("sbd+%s+%d", b.AccountID, conid)); err != nil {
			return err
		}
		b.state.SetDepthSubscribed(true)
	}
	return nil
}

// UnsubscribeStock drops the active stock. The active conid is cleared only
// after the unsubscribe frames are sent.
func (b *Broker) UnsubscribeStock(ctx context.Context, conid int64) error {
	active := b.state.ActiveConid()
	if conid == 0 {
		conid = active
	}
	if conid == 0 {
		return nil
	}
	if conid != active {
		b.Logger.Debug("unsubscribe_stock %d is not the active stock %d", conid, active)
		return nil
	}

	err := b.releaseStock(conid)
	b.state.ClearActiveConid(conid)
	return err
}

// releaseStock unsubscribes a stock that stops being active. A conid that is
// also a portfolio row keeps its market data stream.
func (b *Broker) releaseStock(conid int64) error {
	if b.state.IsPortfolioConid(conid) {
		// Back to portfolio fields.
		if err := b.send(MarketDataFrame(conid, PortfolioFields)); err != nil {
			return err
		}
	} else if err := b.send(fmt.Sprintf("umd+%d+{}", conid)); err != nil {
		return err
	}

	if b.AccountID != "" && b.state.DepthSubscribed() {
		if err := b.send("ubd+" + b.AccountID); err != nil {
			return err
		}
		b.state.SetDepthSubscribed(false)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Portfolio
// -----------------------------------------------------------------------------

// SubscribePortfolio reloads the positions and streams every held conid with
// the portfolio field set, spacing the frames out. Conids no longer held are
// unsubscribed first.
func (b *Broker) SubscribePortfolio(ctx context.Context) error {
	positions, err := b.Store.LoadPositions(ctx, b.AccountID)
	if err != nil {
		return err
	}

	held := make(map[int64]struct{}, len(positions))
	conids := make([]int64, 0, len(positions))
	for _, p := range positions {
		held[p.Conid] = struct{}{}
		conids = append(conids, p.Conid)
	}

	var closed []int64
	for _, conid := range b.state.PortfolioConids() {
		if _, ok := held[conid]; !ok {
			closed = append(closed, conid)
		}
	}
	active := b.state.ActiveConid()
	for _, conid := range b.state.RemovePortfolio(closed) {
		if conid == active {
			continue
		}
		if err := b.send(fmt.Sprintf("umd+%d+{}", conid)); err != nil {
			return err
		}
	}

	b.state.AddPortfolio(conids)

	first := true
	for _, conid := range conids {
		// The active stock already streams a wider field set.
		if conid == active {
			continue
		}
		if !first {
			if err := helpers.Sleep(ctx, b.Spacing); err != nil {
				return helpers.NewError(helpers.KindCancelled, "subscribe_portfolio", err)
			}
		}
		first = false
		if err := b.send(MarketDataFrame(conid, PortfolioFields)); err != nil {
			return err
		}
	}

	b.Logger.Info("portfolio subscribed: %d conids", len(conids))
	return nil
}

// UnsubscribePortfolio stops every portfolio stream except the active stock's.
func (b *Broker) UnsubscribePortfolio(ctx context.Context) error {
	removed := b.state.RemovePortfolio(b.state.PortfolioConids())

	active := b.state.ActiveConid()
	first := true
	for _, conid := range removed {
		if conid == active {
			continue
		}
		if !first {
			if err := helpers.Sleep(ctx, b.Spacing); err != nil {
				return helpers.NewError(helpers.KindCancelled, "unsubscribe_portfolio", err)
			}
		}
		first = false
		if err := b.send(fmt.Sprintf("umd+%d+{}", conid)); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// InitialAllocation emits the (cached) allocation to the account's clients.
func (b *Broker) InitialAllocation(ctx context.Context) error {
	alloc, err := b.Store.Allocation(ctx, b.AccountID)
	if err != nil {
		return err
	}
	if b.Sink != nil {
		b.Sink.Broadcast(b.AccountID, &models.MAllocationEvent{Type: models.EventAllocation, Data: alloc})
	}
	return nil
}

// -----------------------------------------------------------------------------
// Charts
// -----------------------------------------------------------------------------

type chartArgs struct {
	Period     string `json:"period"`
	Bar        string `json:"bar"`
	OutsideRth bool   `json:"outsideRth"`
	Source     string `json:"source"`
	Format     string `json:"format"`
}

// SubscribeChart requests streaming bars for conid. The upstream answers with
// a serverId that the dispatcher records for the unsubscribe.
func (b *Broker) SubscribeChart(ctx context.Context, conid int64, period, bar string) error {
	if conid <= 0 {
		return helpers.NewError(helpers.KindBadRequest, "subscribe_chart needs a conid", nil)
	}
	if period == "" {
		period = DefaultChartPeriod
	}
	if bar == "" {
		bar = DefaultChartBar
	}

	args, err := json.Marshal(chartArgs{
		Period: period,
		Bar:    bar,
		Source: "trades",
		Format: "%o/%c/%h/%l/%v",
	})
	if err != nil {
		return err
	}

	b.state.AddChart(conid)
	return b.send(fmt.Sprintf("smh+%d+%s", conid, args))
}

// UnsubscribeChart cancels the chart of conid by its serverId.
func (b *Broker) UnsubscribeChart(ctx context.Context, conid int64) error {
	serverID, ok := b.state.RemoveChart(conid)
	if !ok {
		return nil
	}
	if serverID == "" {
		b.Logger.Warning("chart %d has no serverId yet, cannot cancel upstream", conid)
		return nil
	}
	return b.send("umh+" + serverID)
}

// -----------------------------------------------------------------------------
// PnL and ledger
// -----------------------------------------------------------------------------

func (b *Broker) SubscribePnL(ctx context.Context) error {
	b.state.SetPnLSubscribed(true)
	if err := b.send("spl+{}"); err != nil {
		b.state.SetPnLSubscribed(false)
		return err
	}
	return nil
}

func (b *Broker) UnsubscribePnL(ctx context.Context) error {
	err := b.send("upl+{}")
	b.state.SetPnLSubscribed(false)
	return err
}

func (b *Broker) SubscribeLedger(ctx context.Context) error {
	b.state.SetLedgerSubscribed(true)
	if err := b.send("sld+" + b.AccountID + "+{}"); err != nil {
		b.state.SetLedgerSubscribed(false)
		return err
	}
	return nil
}

func (b *Broker) UnsubscribeLedger(ctx context.Context) error {
	err := b.send("uld+" + b.AccountID + "+{}")
	b.state.SetLedgerSubscribed(false)
	return err
}

// -----------------------------------------------------------------------------

func (b *Broker) send(frame string) error {
	if err := b.Sender.Send(frame); err != nil {
		b.Logger.Warning("send %q failed: %v", frame, err)
		return err
	}
	b.Logger.Debug("sent %s", frame)
	return nil
}

// MarketDataFrame builds an smd subscribe frame.
func MarketDataFrame(conid int64, fields []int) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.Itoa(f)
	}
	return fmt.Sprintf(`smd+%d+{"fields":[%s]}`, conid, strings.Join(parts, ","))
}
