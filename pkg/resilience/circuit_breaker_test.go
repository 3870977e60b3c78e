package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 3, Timeout: time.Hour, HalfOpenMax: 1})

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errors.New("fail") })
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "an open breaker must reject without calling fn")
}

func TestCircuitBreaker_HalfOpenAfterTimeoutThenClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State(), "a successful half-open probe closes the breaker")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))
	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(func() error { return errors.New("still failing") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "a failed half-open probe reopens the breaker")
}

func TestCircuitBreaker_ClosedStateResetsFailureCountOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 3, Timeout: time.Hour, HalfOpenMax: 1})

	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures should not trip the breaker since the success reset
	// the consecutive failure count.
	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))
	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChangeCallbackFires(t *testing.T) {
	transitions := make(chan [2]State, 4)
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures: 1, Timeout: time.Hour, HalfOpenMax: 1,
		OnStateChange: func(from, to State) { transitions <- [2]State{from, to} },
	})

	require.Error(t, cb.Execute(func() error { return errors.New("fail") }))

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state-change callback")
	}
}
