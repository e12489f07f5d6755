package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var errBoom = errors.New("boom")

func testBreaker(recovery time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  recovery,
		SuccessThreshold: 3,
		CallTimeout:      time.Second,
	}, nopLogger{})
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b, _ := testBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, b.Call(ctx, fail))
		assert.Equal(t, BreakerClosed, b.State())
	}
	require.Error(t, b.Call(ctx, fail))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, _ := testBreaker(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	require.Equal(t, BreakerOpen, b.State())

	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ports.ErrBreakerOpen)
	assert.False(t, invoked, "wrapped function must not run while the breaker is open")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, now := testBreaker(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	require.Equal(t, BreakerOpen, b.State())

	// After the recovery timeout one trial call goes through.
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Two more successes close it.
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	*now = now.Add(2 * time.Minute)
	require.Error(t, b.Call(ctx, fail))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(time.Minute)
	ctx := context.Background()

	// Interleaved successes keep the consecutive-failure count below threshold.
	for i := 0; i < 10; i++ {
		_ = b.Call(ctx, fail)
		if i%3 == 2 {
			require.NoError(t, b.Call(ctx, succeed))
		}
		if b.State() == BreakerOpen {
			t.Fatalf("breaker opened despite interleaved successes at i=%d", i)
		}
	}
}

func TestBreakerCallTimeout(t *testing.T) {
	b := NewCircuitBreaker("slow", BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 3,
		CallTimeout:      20 * time.Millisecond,
	}, nopLogger{})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.ErrorIs(t, err, ports.ErrTimeout)
}

func TestBreakerTransitionHook(t *testing.T) {
	b, _ := testBreaker(time.Minute)
	var transitions []string
	b.SetTransitionHook(func(name string, from, to BreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	assert.Equal(t, []string{"closed->open"}, transitions)
}
