package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "oanda-gateway/internal/errors"
)

var errUpstream = errors.New("upstream down")

func failingCall() error { return errUpstream }
func passingCall() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, CircuitClosed, cb.State())
		err := cb.Execute(ctx, failingCall)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failingCall)
	}
	require.Equal(t, CircuitOpen, cb.State())

	invoked := false
	err := cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})

	assert.False(t, invoked, "open circuit must not invoke the call")
	var coe *gwerrors.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "test", coe.Breaker)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failingCall)
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, passingCall)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failingCall)
	}
	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, failingCall)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, CircuitOpen, cb.State())

	// Timer restarted, still rejecting.
	err = cb.Execute(ctx, passingCall)
	var coe *gwerrors.CircuitOpenError
	assert.ErrorAs(t, err, &coe)
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, passingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	// Never three in a row, circuit stays closed.
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().FailureCount)
}

func TestCircuitBreaker_EventsRecorded(t *testing.T) {
	cb := NewCircuitBreaker("orders", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	time.Sleep(20 * time.Millisecond)
	cb.Execute(ctx, passingCall)

	events := cb.Events()
	require.Len(t, events, 3)
	assert.Equal(t, CircuitOpen, events[0].To)
	assert.Equal(t, CircuitHalfOpen, events[1].To)
	assert.Equal(t, CircuitClosed, events[2].To)
	for _, e := range events {
		assert.Equal(t, "orders", e.Breaker)
	}
}

func TestCircuitBreaker_EventLogBounded(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Nanosecond,
		EventLogSize:     10,
	})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		cb.Execute(ctx, failingCall)
		time.Sleep(time.Microsecond)
	}

	assert.LessOrEqual(t, len(cb.Events()), 10)
}

func TestCircuitBreaker_Callbacks(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	})
	ctx := context.Background()

	events := make(chan Event, 10)
	cb.OnStateChange(func(e Event) { events <- e })

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	select {
	case e := <-events:
		assert.Equal(t, CircuitOpen, e.To)
	case <-time.After(time.Second):
		t.Fatal("no transition callback received")
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig())
	ctx := context.Background()

	v, err := ExecuteWithResult(cb, ctx, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = ExecuteWithResult(cb, ctx, func() (int, error) { return 0, errUpstream })
	assert.ErrorIs(t, err, errUpstream)
}

func TestManager_SharedBreakers(t *testing.T) {
	m := NewManager(DefaultConfig())

	a := m.Get("orders")
	b := m.Get("orders")
	c := m.Get("pricing")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, m.AllStats(), 2)
}

func TestManager_CallbackAttachesToLaterBreakers(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	events := make(chan Event, 10)
	m.OnStateChange(func(e Event) { events <- e })

	cb := m.Get("late")
	cb.Execute(context.Background(), failingCall)

	select {
	case e := <-events:
		assert.Equal(t, "late", e.Breaker)
	case <-time.After(time.Second):
		t.Fatal("callback not attached to breaker created after registration")
	}
}
