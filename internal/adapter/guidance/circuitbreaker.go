package guidance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"guardian-ai/internal/domain"
)

// BreakerConfig tunes CircuitBreakerGenerator. Zero fields take defaults:
// five consecutive failures trip the breaker, it stays open 30s, and closed
// counts reset every minute.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration

	// FailureRatio also trips the breaker once at least MinRequests calls
	// were made in the current interval. 0 disables ratio tripping.
	FailureRatio float64
	MinRequests  uint32

	// OnStateChange, if set, is told about every transition.
	OnStateChange func(generator string, from, to gobreaker.State)
}

func (c BreakerConfig) tripFunc() func(gobreaker.Counts) bool {
	maxFailures := cmp.Or(c.MaxFailures, 5)
	minRequests := cmp.Or(c.MinRequests, 10)
	return func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= maxFailures {
			return true
		}
		if c.FailureRatio <= 0 || counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
	}
}

// callerError reports errors that say nothing about backend health.
func callerError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrGuidanceAborted) ||
		errors.Is(err, domain.ErrInvalidInput)
}

// CircuitBreakerGenerator fronts a generator with a breaker. While open,
// calls fail at once with ErrGuidanceUnavailable and never reach the backend.
type CircuitBreakerGenerator struct {
	inner   domain.GuidanceGenerator
	breaker *gobreaker.CircuitBreaker[*domain.GuidanceMessage]
}

func NewCircuitBreakerGenerator(inner domain.GuidanceGenerator, cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerGenerator {
	name := inner.Name()
	settings := gobreaker.Settings{
		Name:         "guidance:" + name,
		MaxRequests:  1,
		Interval:     cmp.Or(cfg.Interval, time.Minute),
		Timeout:      cmp.Or(cfg.Timeout, 30*time.Second),
		ReadyToTrip:  cfg.tripFunc(),
		IsSuccessful: func(err error) bool { return err == nil || callerError(err) },
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("guidance breaker state change", "generator", name, "from", from.String(), "to", to.String())
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}
	return &CircuitBreakerGenerator{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.GuidanceMessage](settings),
	}
}

func (g *CircuitBreakerGenerator) GenerateGuidance(ctx context.Context, req domain.GuidanceRequest) (*domain.GuidanceMessage, error) {
	msg, err := g.breaker.Execute(func() (*domain.GuidanceMessage, error) {
		return g.inner.GenerateGuidance(ctx, req)
	})
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, domain.NewSubSystemError("guidance", "CircuitBreakerGenerator.GenerateGuidance",
			domain.ErrGuidanceUnavailable, fmt.Sprintf("generator %q: %v", g.inner.Name(), err))
	}
	return nil, err
}

func (g *CircuitBreakerGenerator) Name() string { return g.inner.Name() }

func (g *CircuitBreakerGenerator) State() gobreaker.State { return g.breaker.State() }

func (g *CircuitBreakerGenerator) Counts() gobreaker.Counts { return g.breaker.Counts() }

var _ domain.GuidanceGenerator = (*CircuitBreakerGenerator)(nil)
