package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/models"
	"portal-relay/src/portal/portaltest"
	"portal-relay/src/store"
	"portal-relay/src/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]models.MEvent
}

func newSink() *recordingSink {
	return &recordingSink{events: map[string][]models.MEvent{}}
}

func (r *recordingSink) Broadcast(accountID string, ev models.MEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[accountID] = append(r.events[accountID], ev)
}

func (r *recordingSink) of(accountID, eventType string) []models.MEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MEvent
	for _, ev := range r.events[accountID] {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// -----------------------------------------------------------------------------

var aapl = models.MPosition{Conid: 265598, ContractDesc: "AAPL", AssetClass: "STK", Position: 10, AvgPrice: 150}

func newTestManager(t *testing.T, fake *portaltest.Server) (*Manager, *recordingSink) {
	t.Helper()

	client := fake.Client()
	sink := newSink()
	m := NewManager(Options{
		Upstream: fake.UpstreamConfig(),
		Session: models.MSessionConfig{
			DetachGraceSeconds:     0,
			SubscribeSpacingMillis: 5,
		},
		Portal: client,
		Store:  store.New(client, logger.NewNop()),
		Sink:   sink,
		Timings: &upstream.Timings{
			Heartbeat:         time.Hour,
			AllocationRefresh: time.Hour,
			AllocationRetry:   time.Hour,
			ReconnectDelay:    200 * time.Millisecond,
			ShutdownTimeout:   time.Second,
		},
	})
	m.grace = 100 * time.Millisecond
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, sink
}

func waitRunning(t *testing.T, m *Manager, accountID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range m.Sessions() {
			if s.AccountID == accountID && s.State == upstream.StateRunning && s.Connected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func waitFrame(t *testing.T, conn *portaltest.Conn, prefix string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, f := range conn.Received() {
			if strings.HasPrefix(f, prefix) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "no frame %q", prefix)
}

// -----------------------------------------------------------------------------

func TestAttachBootsOneSessionPerAccount(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.Attach("U1"))
	require.NoError(t, m.Attach("U1"))
	fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].Clients)
	assert.Nil(t, fake.NextConnOrNil(100*time.Millisecond))

	assert.ErrorIs(t, m.Attach(""), helpers.ErrBadRequest)
}

func TestLastDetachStopsAfterGrace(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.Attach("U1"))
	conn := fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	m.Detach("U1")
	assert.Len(t, m.Sessions(), 1, "runtime survives during the grace period")

	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("session not shut down after grace")
	}
	assert.Equal(t, 1000, conn.CloseCode())
	require.Eventually(t, func() bool { return len(m.Sessions()) == 0 }, time.Second, 10*time.Millisecond)

	_, ok := m.opts.Store.Lookup("U1")
	assert.False(t, ok, "account state dropped with the runtime")
}

func TestReattachWithinGraceKeepsSession(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.Attach("U1"))
	conn := fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	m.Detach("U1")
	require.NoError(t, m.Attach("U1"))

	select {
	case <-conn.Closed():
		t.Fatal("session closed despite a new client")
	case <-time.After(300 * time.Millisecond):
	}
	require.Len(t, m.Sessions(), 1)
	assert.Equal(t, 1, m.Sessions()[0].Clients)
}

func TestAttachWaitsForTeardown(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)
	ctx := context.Background()

	require.NoError(t, m.Attach("U1"))
	old := fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")
	oldState, ok := m.opts.Store.Lookup("U1")
	require.True(t, ok)

	m.mu.Lock()
	rt := m.runtimes["U1"]
	m.markStopping(rt)
	m.mu.Unlock()
	go m.retire(ctx, rt)

	err := m.HandleCommand(ctx, "U1", models.MClientCommand{Action: models.ActionSubscribePnL})
	assert.ErrorIs(t, err, helpers.ErrNotConnected)
	assert.False(t, m.ShutdownSession(ctx, "U1"), "already stopping")

	require.NoError(t, m.Attach("U1"))
	select {
	case <-rt.stopped:
	default:
		t.Fatal("new runtime booted before the old one stopped")
	}

	fresh := fake.NextConn(t, 2*time.Second)
	assert.NotSame(t, old, fresh)
	waitRunning(t, m, "U1")

	newState, ok := m.opts.Store.Lookup("U1")
	require.True(t, ok)
	assert.NotSame(t, oldState, newState)

	// The old session's disconnect must not reset the new stream state.
	time.Sleep(300 * time.Millisecond)
	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Connected)
	assert.Equal(t, 1, sessions[0].Clients)
	assert.Nil(t, fake.NextConnOrNil(100*time.Millisecond))
}

// -----------------------------------------------------------------------------

func TestPortfolioTickReachesSink(t *testing.T) {
	fake := portaltest.New(t)
	fake.Lock()
	fake.Positions["U1"] = []models.MPosition{aapl}
	fake.Unlock()
	m, sink := newTestManager(t, fake)

	require.NoError(t, m.Attach("U1"))
	conn := fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	ctx := context.Background()
	require.NoError(t, m.HandleCommand(ctx, "U1", models.MClientCommand{Action: models.ActionSubscribePortfolio, AccountID: "U1"}))
	waitFrame(t, conn, `smd+265598+{"fields":[31,7635,83,82]}`)

	require.NoError(t, conn.PushText(`{"topic":"smd+265598","31":"172.00","83":1.18,"82":2.00}`))
	require.Eventually(t, func() bool { return len(sink.of("U1", models.EventMarketData)) == 1 }, 2*time.Second, 10*time.Millisecond)

	row := sink.of("U1", models.EventMarketData)[0].(*models.MMarketDataEvent)
	assert.Equal(t, 1720.0, *row.Value)
	assert.Equal(t, 220.0, *row.UnrealizedPnL)

	// A new client gets the row replayed.
	snap := m.Snapshot("U1")
	require.NotEmpty(t, snap)
	assert.Equal(t, models.EventMarketData, snap[len(snap)-1].EventType())

	// Active stock routing through the broker.
	require.NoError(t, m.HandleCommand(ctx, "U1", models.MClientCommand{Action: models.ActionSubscribeStock, Conid: 265598}))
	require.NoError(t, conn.PushText(`{"topic":"smd+265598","31":"173.00"}`))
	require.Eventually(t, func() bool { return len(sink.of("U1", models.EventActiveStock)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.of("U1", models.EventMarketData), 1)
}

func TestCommandWithoutRuntime(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	err := m.HandleCommand(context.Background(), "U9", models.MClientCommand{Action: models.ActionSubscribePnL})
	assert.ErrorIs(t, err, helpers.ErrNotConnected)
}

// -----------------------------------------------------------------------------

func TestStatusWarmsUp(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	status := m.Status(context.Background())
	assert.True(t, status.Authenticated)
	assert.True(t, status.WebsocketReady)
	assert.Equal(t, 1, fake.Calls("/tickle"))
	assert.Equal(t, 1, fake.Calls("/iserver/accounts"))
}

func TestStatusUnauthenticated(t *testing.T) {
	fake := portaltest.New(t)
	fake.Lock()
	fake.Authenticated = false
	fake.Unlock()
	m, _ := newTestManager(t, fake)

	status := m.Status(context.Background())
	assert.False(t, status.Authenticated)
	assert.False(t, status.WebsocketReady)
	assert.Zero(t, fake.Calls("/tickle"))
}

// -----------------------------------------------------------------------------

func TestLogout(t *testing.T) {
	fake := portaltest.New(t)
	fake.Lock()
	fake.Allocations["U1"] = &models.MAllocation{}
	fake.Unlock()
	m, sink := newTestManager(t, fake)
	ctx := context.Background()

	_, err := m.opts.Portal.Allocation(ctx, "U1")
	require.NoError(t, err)

	require.NoError(t, m.Attach("U1"))
	conn := fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	require.NoError(t, m.Logout(ctx))

	notices := sink.of("U1", models.EventLogoutNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, LogoutMessage, notices[0].(*models.MLogoutEvent).Message)
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 1, fake.Calls("/logout"))
	assert.Empty(t, m.Snapshot("U1"))

	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("session still open after logout")
	}

	// The cache was emptied.
	_, err = m.opts.Portal.Allocation(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls("/portfolio/U1/allocation"))
}

// -----------------------------------------------------------------------------

func TestShutdownSessionAndInvalidate(t *testing.T) {
	fake := portaltest.New(t)
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.Attach("U1"))
	fake.NextConn(t, 2*time.Second)
	waitRunning(t, m, "U1")

	assert.True(t, m.ShutdownSession(context.Background(), "U1"))
	assert.False(t, m.ShutdownSession(context.Background(), "U1"))
	assert.Empty(t, m.Sessions())
	_, ok := m.opts.Store.Lookup("U1")
	assert.False(t, ok)
	assert.NoError(t, m.InvalidateCache(context.Background(), "portfolio."))
}

func TestRefreshAllocationBroadcasts(t *testing.T) {
	fake := portaltest.New(t)
	fake.Lock()
	fake.Allocations["U1"] = &models.MAllocation{Sector: models.MAllocationSide{Long: map[string]float64{"Tech": 5}}}
	fake.Unlock()
	m, sink := newTestManager(t, fake)

	require.NoError(t, m.refreshAllocation(context.Background(), "U1"))
	require.NoError(t, m.refreshAllocation(context.Background(), "U1"))

	assert.Len(t, sink.of("U1", models.EventAllocation), 2)
	assert.Equal(t, 2, fake.Calls("/portfolio/U1/allocation"), "refresh bypasses the cache")

	snap := m.Snapshot("U1")
	require.Len(t, snap, 1)
	assert.Equal(t, 5.0, snap[0].(*models.MAllocationEvent).Data.Sector.Long["Tech"])
}
