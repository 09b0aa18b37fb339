package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
	"portal-relay/src/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequester(t *testing.T, handler http.HandlerFunc) (*Requester, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	cfg := &models.MUpstreamConfig{
		BaseURL:        srv.URL,
		HostHeader:     "api.portal.example",
		RequestTimeout: 5,
		MaxRetries:     3,
	}
	limiter := ratelimit.NewLimiter(ratelimit.Options{Logger: logger.NewNop()})
	r := NewRequester(cfg, limiter, metrics.New("test"), logger.NewNop())
	r.BaseDelay = time.Millisecond
	return r, srv
}

func TestAPIBase(t *testing.T) {
	assert.Equal(t, "https://localhost:5000/v1/api", APIBase("https://localhost:5000"))
	assert.Equal(t, "https://localhost:5000/v1/api", APIBase("https://localhost:5000/"))
	assert.Equal(t, "https://localhost:5000/v1/api", APIBase("https://localhost:5000/v1/api"))
}

func TestRequestRewritesHostAndSendsBody(t *testing.T) {
	var seen *http.Request
	var body map[string]interface{}

	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		seen = req
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &body)
		w.Write([]byte(`{"ok":true}`))
	})

	var out map[string]bool
	err := r.RequestJSON(context.Background(), http.MethodPost, "/pa/performance", models.MRequestOptions{
		Query: map[string]string{"x": "1"},
		Body:  map[string]interface{}{"period": "1D"},
	}, &out)
	require.NoError(t, err)

	assert.True(t, out["ok"])
	assert.Equal(t, "api.portal.example", seen.Host)
	assert.Equal(t, "/v1/api/pa/performance", seen.URL.Path)
	assert.Equal(t, "1", seen.URL.Query().Get("x"))
	assert.Equal(t, "application/json", seen.Header.Get("Content-Type"))
	assert.Equal(t, "1D", body["period"])
}

func TestRequestRetriesChartWarmup(t *testing.T) {
	var calls int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"Chart data unavailable"}`))
			return
		}
		w.Write([]byte(`{"data":[]}`))
	})

	body, err := r.Request(context.Background(), http.MethodGet, "/iserver/marketdata/history", models.MRequestOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequestExhaustedRetries(t *testing.T) {
	var calls int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := r.Request(context.Background(), http.MethodGet, "/iserver/marketdata/history", models.MRequestOptions{})
	assert.ErrorIs(t, err, helpers.ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		status int
		want   error
	}{
		{"unauthorized", "/sso/validate", http.StatusUnauthorized, helpers.ErrUnauthorized},
		{"not found", "/portfolio/U1/summary", http.StatusNotFound, helpers.ErrNotFound},
		{"bad request", "/iserver/secdef/search", http.StatusBadRequest, helpers.ErrBadRequest},
		{"forbidden", "/iserver/secdef/search", http.StatusForbidden, helpers.ErrBadRequest},
		{"server error", "/portfolio/U1/ledger", http.StatusInternalServerError, helpers.ErrUpstreamUnavailable},
		{"snapshot outside table", "/portfolio/U1/ledger", http.StatusServiceUnavailable, helpers.ErrUpstreamUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
			})

			_, err := r.Request(context.Background(), http.MethodGet, tc.path, models.MRequestOptions{})
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "not retried")
		})
	}
}

func TestRequestTooManyRequests(t *testing.T) {
	var calls int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	})

	_, err := r.Request(context.Background(), http.MethodGet, "/iserver/watchlists", models.MRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	always, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err = always.Request(context.Background(), http.MethodGet, "/iserver/watchlists", models.MRequestOptions{})
	assert.ErrorIs(t, err, helpers.ErrRateLimited)
}

func TestRequestParseError(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`not json`))
	})

	var out map[string]interface{}
	err := r.RequestJSON(context.Background(), http.MethodGet, "/iserver/accounts", models.MRequestOptions{}, &out)
	assert.ErrorIs(t, err, helpers.ErrParse)
}

func TestRequestCancelled(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Request(ctx, http.MethodGet, "/iserver/accounts", models.MRequestOptions{})
	assert.ErrorIs(t, err, helpers.ErrCancelled)
}

func TestRequestTransportFailure(t *testing.T) {
	r, srv := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {})
	srv.Close()

	_, err := r.Request(context.Background(), http.MethodGet, "/portfolio/U1/summary", models.MRequestOptions{})
	assert.ErrorIs(t, err, helpers.ErrUpstreamUnavailable)
}

func TestRequestPaidEndpointBlocked(t *testing.T) {
	var calls int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := r.Request(context.Background(), http.MethodGet, "/md/regsnapshot", models.MRequestOptions{})
	assert.ErrorIs(t, err, helpers.ErrPaidEndpointBlocked)
	assert.Zero(t, atomic.LoadInt32(&calls))
}
