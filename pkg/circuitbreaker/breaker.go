// Package circuitbreaker wraps sony/gobreaker with OpenTelemetry counters,
// zap state logging and an optional state observer for Prometheus.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval clears closed-state counts
	Interval time.Duration
	// Timeout is the open period before probing again
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker while fewer than MinRequests were seen
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests were seen
	FailureRatio float64
	MinRequests  uint32
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure func(error) bool
	// OnStateChange is called after every transition. Optional.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults suited to the Redis profile store
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("request counter: %w", err)
	}
	if c.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that failed")); err != nil {
		return nil, fmt.Errorf("failure counter: %w", err)
	}
	if c.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected while open or half-open")); err != nil {
		return nil, fmt.Errorf("rejected counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.transition(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil || cfg.IsFailure == nil {
				return err == nil
			}
			return !cfg.IsFailure(err)
		},
	})

	return c, nil
}

// Do runs fn through the breaker. While open it returns ErrOpen without calling fn.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.do",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", c.State().String()),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return fmt.Errorf("%s: %w", c.name, ErrOpen)
	}
	c.failures.Add(ctx, 1, attrs)
	span.RecordError(err)
	return err
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// Counts returns gobreaker's current counts
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) transition(from, to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.name, to)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// HealthStatus describes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health reports the breaker state and the counts of the current interval.
// An open breaker is unhealthy.
func (c *CircuitBreaker) Health() HealthStatus {
	counts := c.Counts()
	state := c.State()
	return HealthStatus{
		Name:     c.name,
		State:    state.String(),
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state != StateOpen,
	}
}
