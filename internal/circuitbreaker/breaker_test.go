package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "still closed below threshold")

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.GetState())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 2})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	assert.NoError(t, b.Allow(), "interleaved success must reset the count")
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, b.Allow(), "open timeout elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.GetState())
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Millisecond})

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond})

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	require.Equal(t, []string{"closed->open"}, transitions)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
