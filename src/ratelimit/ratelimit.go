// Package ratelimit paces calls to the portal per endpoint family.
package ratelimit

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"

	"golang.org/x/sync/semaphore"
)

// Kind is the shape of a limiter.
type Kind int

const (
	// Window allows Calls per Per, measured over a sliding window.
	Window Kind = iota
	// Gate bounds concurrency to Width with no rate.
	Gate
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 15 * time.Second

// Rule binds a path pattern to a limiter.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    Kind
	Calls   int
	Per     time.Duration
	Width   int64
}

// DefaultRules is the portal pacing table. Paths not matched here go through
// the global rule.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "account-activity", Pattern: regexp.MustCompile(`^/iserver/account/(orders|pnl|trades)`), Kind: Window, Calls: 1, Per: 5 * time.Second},
		{Name: "portfolio-accounts", Pattern: regexp.MustCompile(`^/portfolio/(accounts|subaccounts)`), Kind: Window, Calls: 1, Per: 5 * time.Second},
		{Name: "tickle", Pattern: regexp.MustCompile(`^/tickle`), Kind: Window, Calls: 1, Per: time.Second},
		{Name: "fyi", Pattern: regexp.MustCompile(`^/fyi/`), Kind: Window, Calls: 1, Per: time.Second},
		{Name: "history", Pattern: regexp.MustCompile(`^/iserver/marketdata/history`), Kind: Gate, Width: 5},
	}
}

// GlobalRule is the default bucket: 10 calls per second.
func GlobalRule() Rule {
	return Rule{Name: "global", Kind: Window, Calls: 10, Per: time.Second}
}

// DefaultPaidPrefixes are endpoints that bill the account per call.
var DefaultPaidPrefixes = []string{"/md/regsnapshot", "/iserver/marketdata/regsnapshot"}

// -----------------------------------------------------------------------------

type ruleState struct {
	rule Rule
	sem  *semaphore.Weighted

	mu           sync.Mutex
	calls        []time.Time
	blockedUntil time.Time
}

// Options configures a Limiter. Zero values pick the defaults.
type Options struct {
	Rules        []Rule
	Global       *Rule
	PaidPrefixes []string
	AllowPaid    bool
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
}

// Limiter implements the pacing table, the paid-endpoint guard and 429 pauses.
type Limiter struct {
	rules        []*ruleState
	global       *ruleState
	paidPrefixes []string
	allowPaid    bool
	metrics      *metrics.Metrics
	logger       *logger.Logger
	now          func() time.Time
}

// -----------------------------------------------------------------------------

func NewLimiter(opts Options) *Limiter {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	global := GlobalRule()
	if opts.Global != nil {
		global = *opts.Global
	}
	paid := opts.PaidPrefixes
	if paid == nil {
		paid = DefaultPaidPrefixes
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger(nil, "RateLimiter")
	}

	l := &Limiter{
		global:       newRuleState(global),
		paidPrefixes: paid,
		allowPaid:    opts.AllowPaid,
		metrics:      opts.Metrics,
		logger:       log,
		now:          time.Now,
	}
	for _, r := range rules {
		l.rules = append(l.rules, newRuleState(r))
	}
	return l
}

func newRuleState(r Rule) *ruleState {
	st := &ruleState{rule: r}
	if r.Kind == Gate {
		st.sem = semaphore.NewWeighted(r.Width)
	}
	return st
}

// -----------------------------------------------------------------------------

// RuleFor returns the name of the rule that governs path.
func (l *Limiter) RuleFor(path string) string {
	return l.match(normalize(path)).rule.Name
}

func (l *Limiter) match(path string) *ruleState {
	for _, st := range l.rules {
		if st.rule.Pattern != nil && st.rule.Pattern.MatchString(path) {
			return st
		}
	}
	return l.global
}

func normalize(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// IsPaid reports whether path hits a billed endpoint.
func (l *Limiter) IsPaid(path string) bool {
	p := normalize(path)
	for _, prefix := range l.paidPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// Acquire blocks until path may be called. The returned release must be called
// once the response has been read; it is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context, path string) (func(), error) {
	p := normalize(path)
	if !l.allowPaid && l.IsPaid(p) {
		return nil, helpers.NewError(helpers.KindPaidEndpointBlocked, p, nil)
	}

	st := l.match(p)
	start := l.now()

	if err := l.waitBlocked(ctx, st); err != nil {
		return nil, err
	}

	release := func() {}
	switch st.rule.Kind {
	case Gate:
		if err := st.sem.Acquire(ctx, 1); err != nil {
			return nil, helpers.NewError(helpers.KindCancelled, "waiting for "+st.rule.Name, err)
		}
		var once sync.Once
		release = func() { once.Do(func() { st.sem.Release(1) }) }
	default:
		if err := l.waitWindow(ctx, st); err != nil {
			return nil, err
		}
	}

	if l.metrics != nil {
		l.metrics.LimiterWait.WithLabelValues(st.rule.Name).Observe(l.now().Sub(start).Seconds())
	}
	return release, nil
}

// -----------------------------------------------------------------------------

func (l *Limiter) waitBlocked(ctx context.Context, st *ruleState) error {
	for {
		st.mu.Lock()
		until := st.blockedUntil
		st.mu.Unlock()

		wait := until.Sub(l.now())
		if wait <= 0 {
			return nil
		}
		if err := helpers.Sleep(ctx, wait); err != nil {
			return helpers.NewError(helpers.KindCancelled, "paused "+st.rule.Name, err)
		}
	}
}

// -----------------------------------------------------------------------------

func (l *Limiter) waitWindow(ctx context.Context, st *ruleState) error {
	for {
		st.mu.Lock()
		now := l.now()
		cutoff := now.Add(-st.rule.Per)

		// Drop calls that left the window
		keep := st.calls[:0]
		for _, t := range st.calls {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		st.calls = keep

		if len(st.calls) < st.rule.Calls {
			st.calls = append(st.calls, now)
			st.mu.Unlock()
			return nil
		}
		wait := st.calls[0].Add(st.rule.Per).Sub(now)
		st.mu.Unlock()

		if err := helpers.Sleep(ctx, wait); err != nil {
			return helpers.NewError(helpers.KindCancelled, "waiting for "+st.rule.Name, err)
		}
	}
}

// -----------------------------------------------------------------------------

// OnResponse records the outcome of a call. On HTTP 429 the rule is paused for
// Retry-After (default 15s) so every caller on it waits, and the pause is
// returned so the caller can retry once.
func (l *Limiter) OnResponse(path string, status int, header http.Header) time.Duration {
	if status != http.StatusTooManyRequests {
		return 0
	}

	st := l.match(normalize(path))
	d := RetryAfter(header, l.now())

	st.mu.Lock()
	until := l.now().Add(d)
	if until.After(st.blockedUntil) {
		st.blockedUntil = until
	}
	st.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LimiterBackoffs.WithLabelValues(st.rule.Name).Inc()
	}
	l.logger.Warning("429 on %s, pausing rule %s for %v", path, st.rule.Name, d)
	return d
}

// -----------------------------------------------------------------------------

// RetryAfter parses a Retry-After header in seconds or HTTP-date form.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return DefaultRetryAfter
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
