package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Error Taxonomy
// -----------------------------------------------------------------------------

type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "unauthorized"
	KindNotFound            ErrorKind = "not-found"
	KindBadRequest          ErrorKind = "bad-request"
	KindUpstreamUnavailable ErrorKind = "upstream-unavailable"
	KindRateLimited         ErrorKind = "rate-limited"
	KindPaidEndpointBlocked ErrorKind = "paid-endpoint-blocked"
	KindParseError          ErrorKind = "parse-error"
	KindCancelled           ErrorKind = "cancelled"
	KindNotConnected        ErrorKind = "not-connected"
)

// RelayError is the single error type surfaced by the relay core.
// Two RelayErrors match under errors.Is when their kinds match.
type RelayError struct {
	Kind    ErrorKind
	Message string
	Status  int
	Cause   error
}

func (e *RelayError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

func (e *RelayError) Is(target error) bool {
	var t *RelayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized        = &RelayError{Kind: KindUnauthorized}
	ErrNotFound            = &RelayError{Kind: KindNotFound}
	ErrBadRequest          = &RelayError{Kind: KindBadRequest}
	ErrUpstreamUnavailable = &RelayError{Kind: KindUpstreamUnavailable}
	ErrRateLimited         = &RelayError{Kind: KindRateLimited}
	ErrPaidEndpointBlocked = &RelayError{Kind: KindPaidEndpointBlocked}
	ErrParse               = &RelayError{Kind: KindParseError}
	ErrCancelled           = &RelayError{Kind: KindCancelled}
	ErrNotConnected        = &RelayError{Kind: KindNotConnected}
)

// NewError builds a RelayError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *RelayError {
	return &RelayError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not a RelayError.
func KindOf(err error) ErrorKind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// permanentError stops RetryWithBackoff early.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryWithBackoff runs fn up to attempts times, sleeping baseDelay * 2^n between tries.
// A Permanent error or a cancelled context ends the loop immediately.
func RetryWithBackoff(ctx context.Context, attempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		if attempt == attempts-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		if err := Sleep(ctx, delay); err != nil {
			return NewError(KindCancelled, "retry aborted", err)
		}
	}

	return lastErr
}

// -----------------------------------------------------------------------------

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
