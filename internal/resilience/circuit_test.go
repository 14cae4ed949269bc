package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testBreaker(threshold int) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	cb.now = c.now
	return cb, c
}

var errDown = errors.New("provider down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := testBreaker(3)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	require.NoError(t, cb.Execute(context.Background(), ok))
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, c := testBreaker(1)
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	c.advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, c := testBreaker(2)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	c.advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrCircuitOpen)
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, c := testBreaker(1)
	_ = cb.Execute(context.Background(), fail)
	c.advance(time.Minute)

	started := make(chan struct{})
	finish := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrCircuitOpen)
	close(finish)
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cb, _ := testBreaker(1)
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("bad request") })
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(context.Background(), func(context.Context) error { return errThrottled })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestExecuteVal(t *testing.T) {
	cb, _ := testBreaker(1)
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 0, errDown })
	v, err = ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 9, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, v)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestServiceBreakers_Get(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})
	a := sb.Get("anthropic")
	assert.Same(t, a, sb.Get("anthropic"))
	assert.NotSame(t, a, sb.Get("imap"))

	_ = a.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, sb.Get("anthropic").State())
	assert.Equal(t, CircuitClosed, sb.Get("imap").State())
}

func TestServiceBreakers_ConcurrentGet(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())
	var distinct atomic.Int32
	first := sb.Get("anthropic")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sb.Get("anthropic") != first {
				distinct.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, distinct.Load())
}
