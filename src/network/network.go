package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
	"portal-relay/src/ratelimit"
)

// APIRoot is appended to the configured base URL.
const APIRoot = "/v1/api"

// DefaultBaseDelay is the first retry pause; it doubles on each attempt.
const DefaultBaseDelay = 500 * time.Millisecond

// UserAgent identifies the relay on REST calls and the socket handshake.
const UserAgent = "portal-relay"

// -----------------------------------------------------------------------------

// transientRule marks a response the portal returns while a session warms up.
type transientRule struct {
	prefix       string
	status       int
	bodyContains string
}

var transientRules = []transientRule{
	{prefix: "/iserver/marketdata/history", status: http.StatusServiceUnavailable, bodyContains: "Chart data unavailable"},
	{prefix: "/iserver/marketdata/history", status: http.StatusNotFound},
	{prefix: "/iserver/marketdata/snapshot", status: http.StatusServiceUnavailable},
	{prefix: "/iserver/accounts", status: http.StatusServiceUnavailable},
}

func isTransient(path string, status int, body []byte) bool {
	for _, r := range transientRules {
		if status != r.status || !strings.HasPrefix(path, r.prefix) {
			continue
		}
		if r.bodyContains == "" || bytes.Contains(body, []byte(r.bodyContains)) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// Requester performs paced calls against the portal REST API.
type Requester struct {
	Config    *models.MUpstreamConfig
	BaseURL   string
	Client    *http.Client
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	BaseDelay time.Duration
}

// -----------------------------------------------------------------------------

func NewRequester(cfg *models.MUpstreamConfig, limiter *ratelimit.Limiter, m *metrics.Metrics, log *logger.Logger) *Requester {
	r := &Requester{
		Config:    cfg,
		BaseURL:   APIBase(cfg.BaseURL),
		Limiter:   limiter,
		Metrics:   m,
		Logger:    log,
		BaseDelay: DefaultBaseDelay,
	}
	r.Client = r.createClient()
	return r
}

// -----------------------------------------------------------------------------

// APIBase returns base with the API root appended once.
func APIBase(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, APIRoot) {
		return base
	}
	return base + APIRoot
}

// -----------------------------------------------------------------------------

func (r *Requester) createClient() *http.Client {
	// The portal runs locally with a self-signed certificate
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		MaxIdleConnsPerHost: 16,
	}

	timeout := time.Duration(r.Config.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// -----------------------------------------------------------------------------

type response struct {
	status int
	header http.Header
	body   []byte
}

// -----------------------------------------------------------------------------

// Request performs method on path (relative to the API root) with retries and
// returns the response body.
func (r *Requester) Request(ctx context.Context, method, path string, opts models.MRequestOptions) ([]byte, error) {
	attempts := r.Config.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}

	var (
		result    []byte
		throttled bool
	)

	err := helpers.RetryWithBackoff(ctx, attempts, r.BaseDelay, func(attempt int) error {
		for {
			resp, err := r.once(ctx, method, path, opts)
			if err != nil {
				var re *helpers.RelayError
				if errors.As(err, &re) && re.Kind != helpers.KindUpstreamUnavailable {
					return helpers.Permanent(err)
				}
				r.Logger.Info("Request %s %s failed (attempt %d/%d): %v", method, path, attempt+1, attempts, err)
				return err
			}

			if resp.status == http.StatusTooManyRequests {
				r.Limiter.OnResponse(path, resp.status, resp.header)
				if throttled {
					return helpers.Permanent(&helpers.RelayError{Kind: helpers.KindRateLimited, Message: path, Status: resp.status})
				}
				// Acquire waits out the pause on the next pass
				throttled = true
				continue
			}

			if resp.status >= 200 && resp.status < 300 {
				result = resp.body
				return nil
			}

			if isTransient(path, resp.status, resp.body) {
				r.Logger.Info("Transient %d on %s (attempt %d/%d)", resp.status, path, attempt+1, attempts)
				return &helpers.RelayError{Kind: helpers.KindUpstreamUnavailable, Message: path, Status: resp.status}
			}
			return helpers.Permanent(statusError(path, resp))
		}
	})
	if err != nil {
		return nil, finalError(err)
	}
	return result, nil
}

// -----------------------------------------------------------------------------

// RequestJSON performs the call and decodes the body into out.
func (r *Requester) RequestJSON(ctx context.Context, method, path string, opts models.MRequestOptions, out interface{}) error {
	body, err := r.Request(ctx, method, path, opts)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return helpers.NewError(helpers.KindParseError, path, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (r *Requester) once(ctx context.Context, method, path string, opts models.MRequestOptions) (*response, error) {
	release, err := r.Limiter.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := r.newRequest(ctx, method, path, opts)
	if err != nil {
		return nil, helpers.NewError(helpers.KindBadRequest, path, err)
	}

	start := time.Now()
	resp, err := r.Client.Do(req)
	if r.Metrics != nil {
		r.Metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.observe(method, "error")
		if ctx.Err() != nil {
			return nil, helpers.NewError(helpers.KindCancelled, path, ctx.Err())
		}
		return nil, helpers.NewError(helpers.KindUpstreamUnavailable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.observe(method, "error")
		if ctx.Err() != nil {
			return nil, helpers.NewError(helpers.KindCancelled, path, ctx.Err())
		}
		return nil, helpers.NewError(helpers.KindUpstreamUnavailable, path, err)
	}

	r.observe(method, fmt.Sprintf("%dxx", resp.StatusCode/100))
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// -----------------------------------------------------------------------------

func (r *Requester) newRequest(ctx context.Context, method, path string, opts models.MRequestOptions) (*http.Request, error) {
	reqURL, err := url.Parse(r.BaseURL + path)
	if err != nil {
		return nil, err
	}

	if len(opts.Query) > 0 {
		q := reqURL.Query()
		for k, v := range opts.Query {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var body io.Reader
	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	// The portal gates on Host, not on the address we dial
	if r.Config.HostHeader != "" {
		req.Host = r.Config.HostHeader
	}
	return req, nil
}

// -----------------------------------------------------------------------------

func (r *Requester) observe(method, status string) {
	if r.Metrics != nil {
		r.Metrics.UpstreamRequests.WithLabelValues(method, status).Inc()
	}
}

// -----------------------------------------------------------------------------

func statusError(path string, resp *response) error {
	kind := helpers.KindBadRequest
	switch {
	case resp.status == http.StatusUnauthorized:
		kind = helpers.KindUnauthorized
	case resp.status == http.StatusNotFound:
		kind = helpers.KindNotFound
	case resp.status >= 500:
		kind = helpers.KindUpstreamUnavailable
	}

	msg := path
	if snippet := strings.TrimSpace(string(resp.body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg = fmt.Sprintf("%s: %s", path, snippet)
	}
	return &helpers.RelayError{Kind: kind, Message: msg, Status: resp.status}
}

// -----------------------------------------------------------------------------

// finalError maps what RetryWithBackoff returned onto the error taxonomy.
func finalError(err error) error {
	var re *helpers.RelayError
	if !errors.As(err, &re) {
		return helpers.NewError(helpers.KindUpstreamUnavailable, "retries exhausted", err)
	}
	return err
}
