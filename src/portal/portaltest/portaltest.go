// Package portaltest runs a fake Client Portal (REST and WebSocket) for tests.
package portaltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"portal-relay/src/cache"
	"portal-relay/src/logger"
	"portal-relay/src/models"
	"portal-relay/src/network"
	"portal-relay/src/portal"
	"portal-relay/src/ratelimit"
	"portal-relay/src/storage"

	"github.com/gorilla/websocket"
)

// Server is a fake portal. Fields may be changed while it runs under Lock.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	Positions     map[string][]models.MPosition
	Allocations   map[string]*models.MAllocation
	Ledgers       map[string]map[string]map[string]interface{}
	Accounts      models.MIServerAccounts
	Authenticated bool
	handlers      map[string]http.HandlerFunc
	calls         map[string]int

	upgrader websocket.Upgrader
	conns    chan *Conn
}

// -----------------------------------------------------------------------------

// New starts a plain-HTTP fake portal, closed with the test.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		Positions:     map[string][]models.MPosition{},
		Allocations:   map[string]*models.MAllocation{},
		Ledgers:       map[string]map[string]map[string]interface{}{},
		Authenticated: true,
		handlers:      map[string]http.HandlerFunc{},
		calls:         map[string]int{},
		conns:         make(chan *Conn, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// -----------------------------------------------------------------------------

// Lock guards direct field updates while the server runs.
func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }

// Handle overrides the response for an API path such as /iserver/scanner/params.
func (s *Server) Handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	s.handlers[path] = h
	s.mu.Unlock()
}

// Calls returns how many requests hit an API path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// -----------------------------------------------------------------------------

// UpstreamConfig points a relay at the fake.
func (s *Server) UpstreamConfig() *models.MUpstreamConfig {
	return &models.MUpstreamConfig{
		BaseURL:        s.URL,
		SessionToken:   "test-token",
		RequestTimeout: 5,
		MaxRetries:     3,
	}
}

// Client builds a portal client with its own limiter and memory cache.
func (s *Server) Client() *portal.Client {
	log := logger.NewNop()
	limiter := ratelimit.NewLimiter(ratelimit.Options{Logger: log})
	req := network.NewRequester(s.UpstreamConfig(), limiter, nil, log)
	req.BaseDelay = time.Millisecond
	return portal.NewClient(req, cache.New(storage.NewMemoryCache(), nil, log), log)
}

// -----------------------------------------------------------------------------

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, network.APIRoot)

	if path == "/ws" {
		s.serveWS(w, r)
		return
	}

	s.mu.Lock()
	s.calls[path]++
	h := s.handlers[path]
	s.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case path == "/iserver/auth/status":
		writeJSON(w, models.MPortalAuthStatus{Authenticated: s.Authenticated, Connected: s.Authenticated})
	case path == "/tickle", path == "/sso/validate", path == "/logout":
		if !s.Authenticated && path == "/sso/validate" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{"session": "test"})
	case path == "/iserver/accounts":
		writeJSON(w, s.Accounts)
	case len(parts) == 4 && parts[0] == "portfolio" && parts[2] == "positions":
		page, _ := strconv.Atoi(parts[3])
		all := s.Positions[parts[1]]
		// One position per page keeps paging honest
		if page < len(all) {
			writeJSON(w, all[page:page+1])
			return
		}
		writeJSON(w, []models.MPosition{})
	case len(parts) == 3 && parts[0] == "portfolio" && parts[2] == "allocation":
		writeJSON(w, s.Allocations[parts[1]])
	case len(parts) == 3 && parts[0] == "portfolio" && parts[2] == "ledger":
		writeJSON(w, s.Ledgers[parts[1]])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
