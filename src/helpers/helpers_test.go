package helpers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayError_Is(t *testing.T) {
	err := NewError(KindNotFound, "GET /portfolio/U1/positions/0", errors.New("404"))
	wrapped := fmt.Errorf("load positions: %w", err)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrUnauthorized)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "not-found")
}

func TestRetryWithBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_Permanent(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(int) error {
		calls++
		return Permanent(ErrBadRequest)
	})
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ReturnsLastError(t *testing.T) {
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func(attempt int) error {
		return fmt.Errorf("attempt %d", attempt)
	})
	assert.EqualError(t, err, "attempt 1")
}

func TestRetryWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryWithBackoff(ctx, 3, time.Second, func(int) error { return errors.New("x") })
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{"172.00", 172, true},
		{"C171.50", 171.5, true},
		{"1,200", 1200, true},
		{1.18, 1.18, true},
		{json.Number("2.5"), 2.5, true},
		{"NaN", 0, false},
		{"+inf", 0, false},
		{math.Inf(-1), 0, false},
		{"", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFloat(tt.in)
		assert.Equal(t, tt.ok, ok, "input %v", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9)
		}
	}
}

type scrubRow struct {
	A *float64
	B *float64
}

type scrubEvent struct {
	Price *float64
	Rows  []scrubRow
	ByKey map[string]scrubRow
	Raw   map[string]interface{}
	Any   interface{}
}

func TestScrubNonFinite(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	ok := 1.5

	ev := &scrubEvent{
		Price: &nan,
		Rows:  []scrubRow{{A: &inf, B: &ok}},
		ByKey: map[string]scrubRow{"U1": {A: &nan}},
		Raw:   map[string]interface{}{"x": math.Inf(-1), "y": 2.0, "nested": []interface{}{nan, 3.0}},
		Any:   inf,
	}

	n := ScrubNonFinite(ev)
	assert.Equal(t, 6, n)
	assert.Nil(t, ev.Price)
	assert.Nil(t, ev.Rows[0].A)
	assert.Equal(t, 1.5, *ev.Rows[0].B)
	assert.Nil(t, ev.ByKey["U1"].A)
	assert.Nil(t, ev.Raw["x"])
	assert.Equal(t, 2.0, ev.Raw["y"])
	assert.Nil(t, ev.Raw["nested"].([]interface{})[0])
	assert.Nil(t, ev.Any)

	_, err := json.Marshal(ev)
	assert.NoError(t, err)
}
