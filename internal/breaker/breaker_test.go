package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docrag/intake/internal/intake"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	t.Parallel()

	b := New(3, time.Minute, newFakeClock())

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.ErrorIs(t, b.Allow(), intake.ErrBreakerOpen)
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	b := New(3, time.Minute, newFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	require.NoError(t, b.Allow())
	require.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_SingleHalfOpenTrial(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(1, time.Minute, clock)

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), intake.ErrBreakerOpen)

	clock.advance(61 * time.Second)

	// First caller takes the trial permit, the next is still refused.
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.Snapshot().State)
	require.ErrorIs(t, b.Allow(), intake.ErrBreakerOpen)
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(1, time.Minute, clock)

	b.RecordFailure()
	clock.advance(61 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	require.Equal(t, StateClosed, b.Snapshot().State)
	require.NoError(t, b.Allow())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(2, time.Minute, clock)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(61 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.Equal(t, StateOpen, b.Snapshot().State)
	require.ErrorIs(t, b.Allow(), intake.ErrBreakerOpen)

	// The reopened period starts from the trial failure.
	clock.advance(61 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	t.Parallel()

	b := New(1, time.Hour, newFakeClock())

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), intake.ErrBreakerOpen)

	b.Reset()
	require.NoError(t, b.Allow())
	require.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_DisabledThresholdNeverTrips(t *testing.T) {
	t.Parallel()

	b := New(0, time.Minute, newFakeClock())

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	require.NoError(t, b.Allow())
}

func TestSnapshot_ReportsRetryAfter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(1, time.Minute, clock)

	b.RecordFailure()
	clock.advance(20 * time.Second)

	st := b.Snapshot()
	require.Equal(t, StateOpen, st.State)
	require.NotNil(t, st.OpenedAt)
	require.Equal(t, 40*time.Second, st.RetryAfter)
}
