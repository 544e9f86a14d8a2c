package pmcp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pmcp-go/pmcp"
)

func TestBackoffDelayBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := pmcp.BackoffConfig{
			InitialDelay: time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "initial")),
			MaxDelay:     time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max")),
			Factor:       rapid.Float64Range(1.0, 4.0).Draw(t, "factor"),
			Jitter:       rapid.Float64Range(0, 0.5).Draw(t, "jitter"),
		}
		attempt := rapid.IntRange(0, 20).Draw(t, "attempt")

		d := cfg.Delay(attempt)
		upper := time.Duration(float64(cfg.MaxDelay) * (1 + cfg.Jitter))
		if d < 0 || d > upper {
			t.Fatalf("delay %v out of [0, %v]", d, upper)
		}
	})
}

func TestBackoffGrowth(t *testing.T) {
	cfg := pmcp.BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       0,
	}
	require.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	require.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	require.Equal(t, 400*time.Millisecond, cfg.Delay(2))
	// Capped.
	require.Equal(t, 10*time.Second, cfg.Delay(20))
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cfg := pmcp.CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	b := pmcp.NewCircuitBreaker(cfg)

	require.Equal(t, pmcp.CircuitClosed, b.State())
	require.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, pmcp.CircuitClosed, b.State())
	b.RecordFailure()
	require.Equal(t, pmcp.CircuitOpen, b.State())
	require.False(t, b.Allow())

	// Cooldown elapses: half-open admits a bounded number of trials.
	time.Sleep(70 * time.Millisecond)
	require.Equal(t, pmcp.CircuitHalfOpen, b.State())
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	// A failing trial reopens immediately.
	b.RecordFailure()
	require.Equal(t, pmcp.CircuitOpen, b.State())

	time.Sleep(70 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, pmcp.CircuitClosed, b.State())
}

func TestReconnectorRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context) (pmcp.Transport, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		return pmcp.NewStreamableHTTPClient("http://localhost:0"), nil
	}

	r := pmcp.NewReconnector(dial, pmcp.ReconnectConfig{
		Backoff: pmcp.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Factor:       2,
			Jitter:       0,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := r.Dial(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, 3, attempts)
	tr.Close()
}

func TestReconnectorMaxAttempts(t *testing.T) {
	dial := func(ctx context.Context) (pmcp.Transport, error) {
		return nil, errors.New("refused")
	}
	r := pmcp.NewReconnector(dial, pmcp.ReconnectConfig{
		Backoff: pmcp.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Factor:       2,
			Jitter:       0,
		},
		MaxAttempts: 3,
	})

	_, err := r.Dial(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 attempts")
}

func TestReconnectorFailsFastWhenCircuitOpen(t *testing.T) {
	dial := func(ctx context.Context) (pmcp.Transport, error) {
		return nil, errors.New("refused")
	}
	r := pmcp.NewReconnector(dial, pmcp.ReconnectConfig{
		Backoff: pmcp.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Factor:       2,
			Jitter:       0,
		},
		Breaker: pmcp.CircuitBreakerConfig{
			FailureThreshold: 2,
			Cooldown:         time.Minute,
			HalfOpenMax:      1,
		},
	})

	_, err := r.Dial(context.Background())
	require.ErrorIs(t, err, pmcp.ErrCircuitOpen)
	require.Equal(t, pmcp.CircuitOpen, r.Breaker().State())

	// While open, attempts fail fast without dialing.
	start := time.Now()
	_, err = r.Dial(context.Background())
	require.ErrorIs(t, err, pmcp.ErrCircuitOpen)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestReconnectorHonorsContext(t *testing.T) {
	dial := func(ctx context.Context) (pmcp.Transport, error) {
		return nil, errors.New("refused")
	}
	r := pmcp.NewReconnector(dial, pmcp.ReconnectConfig{
		Backoff: pmcp.BackoffConfig{
			InitialDelay: time.Hour,
			MaxDelay:     time.Hour,
			Factor:       2,
			Jitter:       0,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Dial(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
