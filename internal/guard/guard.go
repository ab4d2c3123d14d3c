// Package guard is the shared access wrapper for every external provider
// call: a token-bucket rate limiter, exponential backoff with jitter, a
// circuit breaker with a single half-open probe, and a hard single
// concurrent caller guarantee per provider. Unsynchronized concurrent
// callers multiply the effective request rate and trip provider-side
// throttling, so the per-provider mutex is not optional.
package guard

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/metrics"
)

// Guard multiplexes per-provider access control. Safe for concurrent use.
type Guard struct {
	mu        sync.Mutex
	providers map[string]*providerState
	configs   map[string]config.ProviderConfig
	defaults  config.ProviderConfig
}

type providerState struct {
	callMu  sync.Mutex // single concurrent caller per provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     config.ProviderConfig
}

// New builds a guard from per-provider configs. Providers without explicit
// config get conservative defaults.
func New(configs map[string]config.ProviderConfig) *Guard {
	defaults := config.ProviderConfig{
		RPS:         2,
		Burst:       4,
		TimeoutSecs: 20,
		MaxRetries:  3,
		Backoff:     config.BackoffConfig{BaseMS: 250, MaxMS: 10_000, Jitter: true},
		Circuit:     config.CircuitConfig{FailureThreshold: 5, CooldownSecs: 60},
	}
	return &Guard{
		providers: make(map[string]*providerState),
		configs:   configs,
		defaults:  defaults,
	}
}

func (g *Guard) state(providerID string) *providerState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.providers[providerID]; ok {
		return st
	}
	cfg, ok := g.configs[providerID]
	if !ok {
		cfg = g.defaults
	}
	settings := gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1, // single half-open probe
		Timeout:     time.Duration(cfg.Circuit.CooldownSecs) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Circuit.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerGaugeValue(to))
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	st := &providerState{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
	}
	g.providers[providerID] = st
	return st
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Call executes fn under the provider's full access policy. Retryable
// provider failures are retried with exponential backoff and jitter up to
// the configured retry budget; an open circuit surfaces immediately as an
// UNREACHABLE provider error.
func (g *Guard) Call(ctx context.Context, providerID string, fn func(ctx context.Context) (any, error)) (any, error) {
	st := g.state(providerID)

	st.callMu.Lock()
	defer st.callMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= st.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, st.cfg.Backoff, attempt); err != nil {
				return nil, err
			}
		}
		if err := st.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		res, err := st.breaker.Execute(func() (any, error) {
			cctx, cancel := context.WithTimeout(ctx, time.Duration(st.cfg.TimeoutSecs)*time.Second)
			defer cancel()
			return fn(cctx)
		})
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(providerID, "ok").Inc()
			return res, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ProviderCalls.WithLabelValues(providerID, "circuit_open").Inc()
			return nil, &domain.ProviderError{Provider: providerID, Status: domain.ProviderUnreachable, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			metrics.ProviderCalls.WithLabelValues(providerID, "error").Inc()
			return nil, err
		}
		metrics.ProviderCalls.WithLabelValues(providerID, "retry").Inc()
		log.Debug().Str("provider", providerID).Int("attempt", attempt+1).
			Err(err).Msg("retrying provider call")
	}

	metrics.ProviderCalls.WithLabelValues(providerID, "exhausted").Inc()
	return nil, &domain.ProviderError{Provider: providerID, Status: domain.ProviderUnreachable,
		Err: lastErr}
}

func retryable(err error) bool {
	if domain.IsRetryableProvider(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepBackoff(ctx context.Context, cfg config.BackoffConfig, attempt int) error {
	backoff := time.Duration(cfg.BaseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	max := time.Duration(cfg.MaxMS) * time.Millisecond
	if backoff > max {
		backoff = max
	}
	if cfg.Jitter {
		// ±50% spread to avoid synchronized retries across symbols.
		backoff = backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
	}
	select {
	case <-time.After(backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
