package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(timeout time.Duration) *CircuitBreaker {
	return New(Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	boom := errors.New("endpoint down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	boom := errors.New("flaky")

	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return boom })

	// Never three in a row, so still closed.
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)
	boom := errors.New("endpoint down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)
	boom := errors.New("endpoint down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return boom })
	}
	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)
	boom := errors.New("endpoint down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return boom })
	}
	time.Sleep(20 * time.Millisecond)

	done, err := cb.Allow()
	require.NoError(t, err)

	// Probe budget is one; a second concurrent request is rejected.
	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	done(true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestAllowDoneIgnoresStaleGeneration(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)
	boom := errors.New("endpoint down")

	done, err := cb.Allow()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	// Outcome from before the trip must not disturb the open state.
	done(true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDeliveryBreakersPerEndpoint(t *testing.T) {
	db := NewDeliveryBreakers()
	boom := errors.New("endpoint down")

	a := db.For("wh-1")
	b := db.For("wh-2")
	assert.Same(t, a, db.For("wh-1"))

	for i := 0; i < 5; i++ {
		a.Execute(func() error { return boom })
	}

	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())

	stats := db.Stats()
	require.Contains(t, stats, "wh-1")
	assert.Equal(t, "open", stats["wh-1"]["state"])
	assert.Equal(t, "closed", stats["wh-2"]["state"])

	db.Remove("wh-1")
	assert.Equal(t, StateClosed, db.For("wh-1").State())
}
