// Package breaker implements the fast-fail guard placed in front of the
// telemetry send pipeline: a three-state circuit breaker (Closed, Open,
// HalfOpen) built on top of sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kestrel-edge/sentryd/internal/metrics"
)

// State mirrors the vocabulary used throughout the telemetry design: the
// breaker is always in exactly one of these three states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is refused because the breaker is open.
var ErrOpen = gobreaker.ErrOpenState

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before tripping to Open
	Timeout          time.Duration // Open -> HalfOpen delay
}

// Breaker wraps gobreaker.CircuitBreaker with the state vocabulary and
// metrics wiring this project uses.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New constructs a Breaker. ReadyToTrip fires once consecutive failures
// reach FailureThreshold; MaxRequests is 1 so HalfOpen admits exactly one
// probe call, matching the single-concurrent-probe invariant.
func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(int(fromGobreaker(to)))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return Closed
	case gobreaker.StateHalfOpen:
		return HalfOpen
	case gobreaker.StateOpen:
		return Open
	default:
		return Closed
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// Execute runs fn through the breaker. If the breaker is open, fn is never
// called and ErrOpen is returned. Any error returned by fn counts as a
// failure toward ReadyToTrip; a nil error counts as a success.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return ErrOpen
	}
	return err
}
