package upstream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/models"
	"portal-relay/src/portal/portaltest"
	"portal-relay/src/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimings() Timings {
	return Timings{
		Heartbeat:         50 * time.Millisecond,
		AllocationRefresh: time.Hour,
		AllocationRetry:   time.Hour,
		ReconnectDelay:    300 * time.Millisecond,
		ShutdownTimeout:   time.Second,
	}
}

func newTestSession(t *testing.T, fake *portaltest.Server, timings Timings) (*Session, *store.AccountState, chan []byte) {
	t.Helper()
	frames := make(chan []byte, 64)
	state := store.NewAccountState("U1")
	s := NewSession(Options{
		AccountID: "U1",
		Config:    fake.UpstreamConfig(),
		Timings:   timings,
		State:     state,
		Frames:    frames,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, state, frames
}

// -----------------------------------------------------------------------------

func TestWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://localhost:5000", "wss://localhost:5000/v1/api/ws"},
		{"http://127.0.0.1:5000/", "ws://127.0.0.1:5000/v1/api/ws"},
		{"https://gw.local/v1/api", "wss://gw.local/v1/api/ws"},
	}
	for _, tt := range tests {
		got, err := WSURL(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := WSURL("ftp://x")
	assert.Error(t, err)
}

func TestTimingsFromConfig(t *testing.T) {
	tm := TimingsFromConfig(models.MSessionConfig{
		HeartbeatSeconds:         30,
		AllocationRefreshSeconds: 300,
		AllocationRetrySeconds:   60,
		ReconnectDelaySeconds:    15,
		ShutdownTimeoutSeconds:   5,
	})
	assert.Equal(t, 30*time.Second, tm.Heartbeat)
	assert.Equal(t, 300*time.Second, tm.AllocationRefresh)
	assert.Equal(t, 60*time.Second, tm.AllocationRetry)
	assert.Equal(t, 15*time.Second, tm.ReconnectDelay)
	assert.Equal(t, 5*time.Second, tm.ShutdownTimeout)
}

// -----------------------------------------------------------------------------

func TestSessionConnectsWithCookieAndHeartbeat(t *testing.T) {
	fake := portaltest.New(t)
	s, state, _ := newTestSession(t, fake, testTimings())

	assert.Equal(t, StateIdle, s.State())
	s.Start()
	s.Start()

	conn := fake.NextConn(t, 2*time.Second)
	assert.Equal(t, `api={"session":"test-token"}`, conn.Cookie)

	require.Eventually(t, s.Running, time.Second, 10*time.Millisecond)
	assert.True(t, state.Connected())

	require.Eventually(t, func() bool {
		for _, f := range conn.Received() {
			if f == Heartbeat {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// A second Start must not open another socket.
	assert.Nil(t, fake.NextConnOrNil(150*time.Millisecond))
}

// -----------------------------------------------------------------------------

func TestSessionForwardsFramesInOrder(t *testing.T) {
	fake := portaltest.New(t)
	s, _, frames := newTestSession(t, fake, testTimings())
	s.Start()

	conn := fake.NextConn(t, 2*time.Second)
	require.NoError(t, conn.PushText(`{"topic":"smd+1","31":"1"}`))
	require.NoError(t, conn.PushText(`{"topic":"smd+2","31":"2"}`))

	got := []string{}
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, string(f))
		case <-time.After(time.Second):
			t.Fatal("frames not forwarded")
		}
	}
	assert.Equal(t, []string{`{"topic":"smd+1","31":"1"}`, `{"topic":"smd+2","31":"2"}`}, got)
}

// -----------------------------------------------------------------------------

func TestSessionReconnectResetsStreams(t *testing.T) {
	fake := portaltest.New(t)
	s, state, _ := newTestSession(t, fake, testTimings())
	s.Start()

	conn := fake.NextConn(t, 2*time.Second)
	require.Eventually(t, s.Running, time.Second, 10*time.Millisecond)

	state.AddPortfolio([]int64{265598})
	state.SetPnLSubscribed(true)
	state.AddChart(265598)

	conn.Kill()

	require.Eventually(t, func() bool { return !state.Connected() }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, state.PnLSubscribed())
	assert.Zero(t, state.ChartCount())
	assert.Empty(t, state.PortfolioConids())

	err := s.Send("smd+1+{}")
	assert.ErrorIs(t, err, helpers.ErrNotConnected)

	killedAt := time.Now()
	next := fake.NextConn(t, 2*time.Second)
	assert.GreaterOrEqual(t, time.Since(killedAt), 250*time.Millisecond)
	require.Eventually(t, s.Running, time.Second, 10*time.Millisecond)

	// Subscriptions are not restored on the new socket.
	time.Sleep(80 * time.Millisecond)
	for _, f := range next.Received() {
		assert.Equal(t, Heartbeat, f)
	}
	assert.Empty(t, state.PortfolioConids())
}

// -----------------------------------------------------------------------------

func TestSessionRefreshRunsAndRetries(t *testing.T) {
	fake := portaltest.New(t)
	timings := testTimings()
	timings.AllocationRefresh = 40 * time.Millisecond
	timings.AllocationRetry = 10 * time.Millisecond

	var calls int32
	frames := make(chan []byte, 8)
	s := NewSession(Options{
		AccountID: "U1",
		Config:    fake.UpstreamConfig(),
		Timings:   timings,
		Frames:    frames,
		Refresh: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return helpers.ErrUpstreamUnavailable
			}
			return nil
		},
	})
	defer s.Shutdown(context.Background())
	s.Start()
	fake.NextConn(t, 2*time.Second)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
}

// -----------------------------------------------------------------------------

func TestSessionShutdown(t *testing.T) {
	fake := portaltest.New(t)
	s, state, _ := newTestSession(t, fake, testTimings())
	s.Start()

	conn := fake.NextConn(t, 2*time.Second)
	require.Eventually(t, s.Running, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, StateStopped, s.State())
	assert.False(t, state.Connected())

	select {
	case <-conn.Closed():
	case <-time.After(time.Second):
		t.Fatal("upstream socket still open")
	}
	assert.Equal(t, 1000, conn.CloseCode())

	// No reconnect after shutdown.
	assert.Nil(t, fake.NextConnOrNil(400*time.Millisecond))
}

func TestShutdownIdleSession(t *testing.T) {
	s := NewSession(Options{AccountID: "U1"})
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.Running())
}
