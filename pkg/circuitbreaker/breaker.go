// Package circuitbreaker shields outbound pharmacy endpoints behind
// sony/gobreaker so a dead endpoint fails fast instead of eating the
// request timeout on every order.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the circuit rejects a call without executing it.
var ErrOpen = errors.New("circuit open")

// Config holds breaker settings.
type Config struct {
	// Name identifies the breaker, usually the endpoint URL.
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counters.
	Interval time.Duration
	// Timeout before an open breaker probes again.
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker below MinRequests volume.
	ConsecutiveFailures uint32
	// FailureRatio opens the breaker once MinRequests were seen.
	FailureRatio float64
	// MinRequests before the ratio applies.
	MinRequests uint32
	// OnStateChange is called on every transition. May be nil.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults tuned for pharmacy AVS endpoints: a single
// pharmacy serves little traffic, so consecutive failures dominate.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// Breaker wraps one gobreaker instance with tracing and logging.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("breaker name is required")
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
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
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(from), mapState(to))
			}
		},
	})

	return b, nil
}

// Execute runs fn through the breaker. When the circuit is open the call is
// rejected with ErrOpen without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, span := b.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return ErrOpen
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Counts returns the raw request counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
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

// Manager keeps one breaker per endpoint, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
}

// NewManager creates a breaker manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b, nil
	}

	cfg.Name = name
	b, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}

// States returns a snapshot of all breaker states by name.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}
	return states
}
