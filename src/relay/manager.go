package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"portal-relay/src/broker"
	"portal-relay/src/dispatcher"
	"portal-relay/src/helpers"
	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
	"portal-relay/src/portal"
	"portal-relay/src/store"
	"portal-relay/src/upstream"
	"portal-relay/src/utils"

	"golang.org/x/sync/errgroup"
)

// LogoutMessage is sent to every client before the sessions close.
const LogoutMessage = "Session logged out"

const frameBuffer = 1024

// -----------------------------------------------------------------------------

// runtime is everything the relay runs for one account.
type runtime struct {
	accountID  string
	state      *store.AccountState
	session    interfaces.ISession
	dispatcher *dispatcher.Dispatcher
	broker     *broker.Broker
	cancel     context.CancelFunc

	clients int
	grace   *time.Timer

	// stopping is set once teardown starts; stopped closes when the session
	// and dispatcher are gone and the account state is dropped.
	stopping   bool
	stopped    chan struct{}
	dispatched chan struct{}
}

// -----------------------------------------------------------------------------

// Options wires a Manager.
type Options struct {
	Upstream *models.MUpstreamConfig
	Session  models.MSessionConfig
	Portal   *portal.Client
	Store    *store.Store
	Sink     interfaces.IEventSink
	Calendar *utils.TradingCalendar
	Metrics  *metrics.Metrics
	Logger   *logger.Logger

	// Timings overrides the session timings derived from Session.
	Timings *upstream.Timings
}

// Manager owns the per-account runtimes: the first client of an account boots
// its upstream session, the last one leaving starts a grace period after which
// the session is shut down.
type Manager struct {
	opts    Options
	timings upstream.Timings
	grace   time.Duration
	spacing time.Duration
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// -----------------------------------------------------------------------------

// NewManager creates a manager without any runtime.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Calendar == nil {
		opts.Calendar = utils.USCalendar()
	}

	timings := upstream.TimingsFromConfig(opts.Session)
	if opts.Timings != nil {
		timings = *opts.Timings
	}

	return &Manager{
		opts:     opts,
		timings:  timings,
		grace:    time.Duration(opts.Session.DetachGraceSeconds) * time.Second,
		spacing:  time.Duration(opts.Session.SubscribeSpacingMillis) * time.Millisecond,
		logger:   opts.Logger,
		now:      time.Now,
		runtimes: make(map[string]*runtime),
	}
}

// -----------------------------------------------------------------------------
// Client lifecycle
// -----------------------------------------------------------------------------

// Attach counts a client of accountID, booting the account runtime on the
// first one and cancelling a pending grace timer.
func (m *Manager) Attach(accountID string) error {
	if accountID == "" {
		return helpers.NewError(helpers.KindBadRequest, "empty account id", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[accountID]
	for ok && rt.stopping {
		// The old upstream socket must be closed before a new one is dialed.
		m.mu.Unlock()
		<-rt.stopped
		m.mu.Lock()
		rt, ok = m.runtimes[accountID]
	}
	if !ok {
		rt = m.boot(accountID)
		m.runtimes[accountID] = rt
	}
	if rt.grace != nil {
		rt.grace.Stop()
		rt.grace = nil
	}
	rt.clients++
	m.logger.Info("%s has %d client(s)", accountID, rt.clients)
	return nil
}

// Detach uncounts a client. The runtime outlives its last client by the grace
// period so a page reload does not reconnect upstream.
func (m *Manager) Detach(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[accountID]
	if !ok || rt.stopping || rt.clients == 0 {
		return
	}
	rt.clients--
	if rt.clients > 0 {
		return
	}

	m.logger.Info("%s has no clients, stopping in %v", accountID, m.grace)
	rt.grace = time.AfterFunc(m.grace, func() { m.expire(rt) })
}

func (m *Manager) expire(rt *runtime) {
	m.mu.Lock()
	if m.runtimes[rt.accountID] != rt || rt.stopping || rt.clients > 0 {
		m.mu.Unlock()
		return
	}
	m.markStopping(rt)
	m.mu.Unlock()

	m.retire(context.Background(), rt)
}

// -----------------------------------------------------------------------------

// boot builds and starts the runtime of accountID. Callers hold m.mu.
func (m *Manager) boot(accountID string) *runtime {
	log := m.logger.Named(accountID)
	state := m.opts.Store.Account(accountID)
	frames := make(chan []byte, frameBuffer)

	rt := &runtime{
		accountID:  accountID,
		state:      state,
		stopped:    make(chan struct{}),
		dispatched: make(chan struct{}),
	}

	rt.session = upstream.NewSession(upstream.Options{
		AccountID: accountID,
		Config:    m.opts.Upstream,
		Timings:   m.timings,
		State:     state,
		Frames:    frames,
		Refresh:   func(ctx context.Context) error { return m.refreshAllocation(ctx, accountID) },
		Metrics:   m.opts.Metrics,
		Logger:    log.Named("session"),
	})
	rt.dispatcher = dispatcher.New(accountID, m.opts.Store, m.opts.Sink, m.opts.Metrics, log.Named("dispatcher"))
	rt.broker = broker.New(accountID, m.opts.Store, rt.session, m.opts.Sink, m.spacing, log.Named("broker"))

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go func() {
		defer close(rt.dispatched)
		rt.dispatcher.Run(ctx, frames)
	}()

	rt.session.Start()
	log.Info("runtime started")
	return rt
}

// stop shuts the session down and ends the dispatcher loop.
func (m *Manager) stop(ctx context.Context, rt *runtime) {
	timeout := m.timings.ShutdownTimeout + time.Second
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rt.session.Shutdown(sctx); err != nil {
		m.logger.Warning("%s shutdown: %v", rt.accountID, err)
	}
	rt.cancel()
	<-rt.dispatched
	m.logger.Info("%s runtime stopped", rt.accountID)
}

// markStopping flags rt for teardown. Callers hold m.mu.
func (m *Manager) markStopping(rt *runtime) {
	rt.stopping = true
	if rt.grace != nil {
		rt.grace.Stop()
		rt.grace = nil
	}
}

// retire stops rt, then drops it and the account state so the next Attach
// boots a fresh runtime. Attach calls blocked on rt resume after this.
func (m *Manager) retire(ctx context.Context, rt *runtime) {
	m.stop(ctx, rt)

	m.mu.Lock()
	if m.runtimes[rt.accountID] == rt {
		delete(m.runtimes, rt.accountID)
	}
	m.opts.Store.Remove(rt.accountID)
	m.mu.Unlock()

	close(rt.stopped)
}

// -----------------------------------------------------------------------------

func (m *Manager) refreshAllocation(ctx context.Context, accountID string) error {
	alloc, err := m.opts.Portal.RefreshAllocation(ctx, accountID)
	if err != nil {
		return err
	}
	m.opts.Store.Account(accountID).SetAllocation(alloc)
	if m.opts.Sink != nil {
		m.opts.Sink.Broadcast(accountID, &models.MAllocationEvent{Type: models.EventAllocation, Data: alloc})
	}
	return nil
}

// -----------------------------------------------------------------------------
// Commands and snapshots
// -----------------------------------------------------------------------------

// HandleCommand forwards cmd to the broker of accountID.
func (m *Manager) HandleCommand(ctx context.Context, accountID string, cmd models.MClientCommand) error {
	m.mu.Lock()
	rt, ok := m.runtimes[accountID]
	if ok && rt.stopping {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return helpers.NewError(helpers.KindNotConnected, "no runtime for "+accountID, nil)
	}
	return rt.broker.Handle(ctx, cmd)
}

// Snapshot returns the allocation, ledger and last portfolio rows known for
// accountID, for replay to a new client.
func (m *Manager) Snapshot(accountID string) []models.MEvent {
	state, ok := m.opts.Store.Lookup(accountID)
	if !ok {
		return nil
	}

	var events []models.MEvent
	if alloc := state.Allocation(); alloc != nil {
		events = append(events, &models.MAllocationEvent{Type: models.EventAllocation, Data: alloc})
	}
	if ledger := state.Ledger(); ledger != nil {
		events = append(events, &models.MLedgerEvent{Type: models.EventLedger, Data: *ledger})
	}
	for _, row := range state.LastRows() {
		events = append(events, row)
	}
	return events
}

// -----------------------------------------------------------------------------
// Status and logout
// -----------------------------------------------------------------------------

// Status reports the upstream login. An authenticated session is warmed up
// with a tickle and the accounts call before the socket is reported ready.
func (m *Manager) Status(ctx context.Context) *models.MAuthStatus {
	status := &models.MAuthStatus{MarketOpen: m.opts.Calendar.IsOpen(m.now())}

	auth, err := m.opts.Portal.AuthStatus(ctx)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	status.Authenticated = auth.Authenticated
	status.Message = auth.Message
	if !auth.Authenticated {
		return status
	}

	if _, err := m.opts.Portal.Tickle(ctx); err != nil {
		m.logger.Warning("tickle failed: %v", err)
		status.Message = err.Error()
		return status
	}
	if _, err := m.opts.Portal.IServerAccounts(ctx); err != nil {
		m.logger.Warning("accounts warm-up failed: %v", err)
		status.Message = err.Error()
		return status
	}

	status.WebsocketReady = true
	return status
}

// Logout notifies every client, shuts all sessions down, ends the upstream
// login and empties the cache.
func (m *Manager) Logout(ctx context.Context) error {
	rts := m.stopping()

	if m.opts.Sink != nil {
		for _, rt := range rts {
			m.opts.Sink.Broadcast(rt.accountID, &models.MLogoutEvent{Type: models.EventLogoutNotice, Message: LogoutMessage})
		}
	}

	m.stopAll(ctx, rts)

	err := m.opts.Portal.Logout(ctx)
	if err != nil {
		m.logger.Warning("upstream logout failed: %v", err)
	}

	if cerr := m.InvalidateCache(ctx, ""); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// stopping marks every runtime not already on its way out and returns them.
func (m *Manager) stopping() []*runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	rts := make([]*runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		if rt.stopping {
			continue
		}
		m.markStopping(rt)
		rts = append(rts, rt)
	}
	return rts
}

func (m *Manager) stopAll(ctx context.Context, rts []*runtime) {
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range rts {
		rt := rt
		g.Go(func() error {
			m.retire(gctx, rt)
			return nil
		})
	}
	_ = g.Wait()
}

// -----------------------------------------------------------------------------
// Control plane
// -----------------------------------------------------------------------------

// Sessions describes every live runtime, ordered by account.
func (m *Manager) Sessions() []models.MSessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.MSessionInfo, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		info := rt.state.Info()
		info.State = rt.session.State()
		info.Clients = rt.clients
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// ShutdownSession stops the runtime of accountID right away. Its clients stay
// attached and receive nothing until they reconnect.
func (m *Manager) ShutdownSession(ctx context.Context, accountID string) bool {
	m.mu.Lock()
	rt, ok := m.runtimes[accountID]
	if ok && rt.stopping {
		ok = false
	}
	if ok {
		m.markStopping(rt)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.retire(ctx, rt)
	return true
}

// InvalidateCache drops cached responses whose key starts with prefix.
func (m *Manager) InvalidateCache(ctx context.Context, prefix string) error {
	if m.opts.Portal == nil || m.opts.Portal.Cache == nil {
		return nil
	}
	return m.opts.Portal.Cache.Invalidate(ctx, prefix)
}

// Shutdown stops every runtime, for process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopAll(ctx, m.stopping())
}
