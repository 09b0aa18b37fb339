package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
	"portal-relay/src/network"
	"portal-relay/src/store"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Lifecycle states of a Session.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateRunning    = "running"
	StateCooling    = "cooling"
	StateStopped    = "stopped"
)

// Heartbeat is the application-level keepalive frame.
const Heartbeat = "tic"

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

var errSocketClosed = errors.New("upstream socket closed")

// -----------------------------------------------------------------------------

// Timings holds the lifecycle intervals of a Session.
type Timings struct {
	Heartbeat         time.Duration
	AllocationRefresh time.Duration
	AllocationRetry   time.Duration
	ReconnectDelay    time.Duration
	ShutdownTimeout   time.Duration
}

// TimingsFromConfig converts the second-based config into durations.
func TimingsFromConfig(cfg models.MSessionConfig) Timings {
	return Timings{
		Heartbeat:         time.Duration(cfg.HeartbeatSeconds) * time.Second,
		AllocationRefresh: time.Duration(cfg.AllocationRefreshSeconds) * time.Second,
		AllocationRetry:   time.Duration(cfg.AllocationRetrySeconds) * time.Second,
		ReconnectDelay:    time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
	}
}

// -----------------------------------------------------------------------------

// Options configures a Session.
type Options struct {
	AccountID string
	Config    *models.MUpstreamConfig
	Timings   Timings

	// State is reset on every disconnect.
	State *store.AccountState

	// Frames receives every inbound frame in arrival order.
	Frames chan<- []byte

	// Refresh runs on the allocation schedule while the socket is open.
	Refresh func(ctx context.Context) error

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Session owns the single upstream socket of one account and reconnects it
// until Shutdown.
type Session struct {
	opts   Options
	dialer *websocket.Dialer
	logger *logger.Logger

	mu       sync.Mutex
	state    string
	conn     *websocket.Conn
	started  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// -----------------------------------------------------------------------------

// NewSession creates an idle session.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.State == nil {
		opts.State = store.NewAccountState(opts.AccountID)
	}

	return &Session{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  dialTimeout,
			EnableCompression: false,
			// The gateway serves a self-signed certificate on localhost.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		logger: opts.Logger,
		state:  StateIdle,
	}
}

// -----------------------------------------------------------------------------

// WSURL derives the socket endpoint from the REST base url.
func WSURL(base string) (string, error) {
	u, err := url.Parse(network.APIBase(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// -----------------------------------------------------------------------------

// Start boots the connect loop. It is a no-op while the loop is alive.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.done = make(chan struct{})
	done, stop := s.done, s.stopCh
	s.mu.Unlock()

	go s.run(ctx, stop, done)
}

// -----------------------------------------------------------------------------

// State returns the lifecycle state name.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a socket is open.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && s.conn != nil
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Send writes one text frame on the open socket.
func (s *Session) Send(frame string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return helpers.NewError(helpers.KindNotConnected, "upstream socket is down", nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return helpers.NewError(helpers.KindNotConnected, "write failed", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// Shutdown closes the socket with a normal closure and waits for the loop to
// exit, cancelling it once the shutdown timeout passes.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	conn, cancel, done := s.conn, s.cancel, s.done
	s.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
			s.logger.Debug("close frame not sent: %v", err)
		}
	}

	timeout := s.opts.Timings.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		cancel()
		return nil
	case <-timer.C:
		s.logger.Warning("session did not stop within %v, cancelling", timeout)
	case <-ctx.Done():
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return helpers.NewError(helpers.KindCancelled, "shutdown interrupted", ctx.Err())
	}
}

// -----------------------------------------------------------------------------

func (s *Session) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.started = false
		s.mu.Unlock()
		close(done)
		s.logger.Info("session loop stopped")
	}()

	for {
		if stopping(ctx, stop) {
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warning("connect failed: %v", err)
		} else {
			s.serve(ctx, conn)
		}

		if stopping(ctx, stop) {
			return
		}

		s.setState(StateCooling)
		delay := s.opts.Timings.ReconnectDelay
		s.logger.Info("reconnecting in %v", delay)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func stopping(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := s.opts.Config
	if cfg == nil {
		return nil, helpers.NewError(helpers.KindBadRequest, "missing upstream config", nil)
	}

	endpoint, err := WSURL(cfg.BaseURL)
	if err != nil {
		return nil, helpers.NewError(helpers.KindBadRequest, "invalid base url", err)
	}

	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf(`api={"session":"%s"}`, cfg.SessionToken))
	header.Set("User-Agent", network.UserAgent)
	if cfg.HostHeader != "" {
		header.Set("Host", cfg.HostHeader)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, helpers.NewError(helpers.KindUnauthorized, "socket handshake rejected", err)
		}
		return nil, helpers.NewError(helpers.KindUpstreamUnavailable, endpoint, err)
	}

	s.logger.Info("connected to %s", endpoint)
	return conn, nil
}

// -----------------------------------------------------------------------------

// serve runs the socket until it closes. The reader, heartbeat and allocation
// refresher share the socket's lifetime through one errgroup.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateRunning
	s.mu.Unlock()

	s.opts.State.SetConnected(true)
	if s.opts.Metrics != nil {
		s.opts.Metrics.UpstreamSessions.Inc()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.readLoop(gctx, conn)
		s.disconnected(conn)
		return err
	})
	g.Go(func() error {
		s.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.refreshLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	err := g.Wait()
	if s.opts.Metrics != nil {
		s.opts.Metrics.UpstreamSessions.Dec()
	}
	s.logger.Info("socket closed: %v", err)
}

// disconnected detaches the socket and drops every upstream-backed
// subscription flag as soon as the reader sees the close.
func (s *Session) disconnected(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	s.opts.State.ResetStreams()
}

// -----------------------------------------------------------------------------

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errSocketClosed
			}
			return fmt.Errorf("%w: %v", errSocketClosed, err)
		}

		select {
		case s.opts.Frames <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// -----------------------------------------------------------------------------

func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := s.opts.Timings.Heartbeat
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(Heartbeat); err != nil {
				s.logger.Warning("heartbeat stopped: %v", err)
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (s *Session) refreshLoop(ctx context.Context) {
	if s.opts.Refresh == nil || s.opts.Timings.AllocationRefresh <= 0 {
		return
	}
	wait := s.opts.Timings.AllocationRefresh

	for {
		if err := helpers.Sleep(ctx, wait); err != nil {
			return
		}

		if err := s.opts.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warning("allocation refresh failed: %v", err)
			if wait = s.opts.Timings.AllocationRetry; wait <= 0 {
				wait = s.opts.Timings.AllocationRefresh
			}
			continue
		}
		wait = s.opts.Timings.AllocationRefresh
	}
}
