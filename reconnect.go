package pmcp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig holds the exponential backoff parameters used between
// reconnect attempts.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter scales the random spread applied to each delay, as a fraction
	// of the computed delay (0.2 means ±20%).
	Jitter float64
}

// DefaultBackoffConfig returns sensible reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       0.2,
	}
}

// Delay computes the backoff for the given zero-based attempt, with jitter
// applied.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Factor, float64(attempt))
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	if c.Jitter > 0 {
		spread := d * c.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

// CircuitBreaker states.
const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of trial calls through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to
	// half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns sensible breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker fails fast after repeated connection failures so a dead
// peer is not hammered. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	halfCalls int
}

// NewCircuitBreaker creates a breaker with the given configuration,
// backfilling zero values with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current breaker state, accounting for cooldown expiry.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether a call may proceed, consuming a half-open slot when
// applicable.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.halfCalls < b.cfg.HalfOpenMax {
			b.halfCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.halfCalls = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold. A
// failure during half-open reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	if b.state == CircuitHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.openedAt = time.Now()
	b.halfCalls = 0
}

func (b *CircuitBreaker) refreshLocked() {
	if b.state == CircuitOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.state = CircuitHalfOpen
		b.halfCalls = 0
	}
}

// Dialer establishes a fresh transport to the peer.
type Dialer func(ctx context.Context) (Transport, error)

// ReconnectConfig tunes the Reconnector.
type ReconnectConfig struct {
	Backoff BackoffConfig
	Breaker CircuitBreakerConfig
	// MaxAttempts bounds consecutive failed attempts per Dial call; zero
	// means unbounded (the circuit breaker still applies).
	MaxAttempts int
}

// Reconnector re-establishes transports with exponential backoff, jitter,
// and a circuit breaker. Requests pending at disconnect time fail with
// ErrConnectionClosed; they are not replayed after a reconnect.
type Reconnector struct {
	dial    Dialer
	cfg     ReconnectConfig
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// ReconnectorOption represents the options for the Reconnector.
type ReconnectorOption func(*Reconnector)

// WithReconnectorLogger sets the logger for the reconnector.
func WithReconnectorLogger(logger *slog.Logger) ReconnectorOption {
	return func(r *Reconnector) {
		r.logger = logger.With(
			slog.String("package", "pmcp"),
			slog.String("component", "reconnect"),
		)
	}
}

// NewReconnector creates a reconnector around the given dialer.
func NewReconnector(dial Dialer, cfg ReconnectConfig, options ...ReconnectorOption) *Reconnector {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	r := &Reconnector{
		dial:    dial,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.Breaker),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Breaker exposes the circuit breaker, mainly for observability.
func (r *Reconnector) Breaker() *CircuitBreaker { return r.breaker }

// Dial attempts to establish a transport, retrying with backoff until the
// context is cancelled, MaxAttempts is exhausted, or the circuit opens.
func (r *Reconnector) Dial(ctx context.Context) (Transport, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			return nil, fmt.Errorf("reconnect gave up after %d attempts: %w", attempt, lastErr)
		}
		if attempt > 0 {
			delay := r.cfg.Backoff.Delay(attempt - 1)
			r.logger.Debug("waiting before reconnect attempt",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if !r.breaker.Allow() {
			return nil, fmt.Errorf("%w: cooling down after repeated failures", ErrCircuitOpen)
		}

		t, err := r.dial(ctx)
		if err != nil {
			lastErr = err
			r.breaker.RecordFailure()
			r.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt),
				slog.String("err", err.Error()))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		r.breaker.RecordSuccess()
		return t, nil
	}
}
