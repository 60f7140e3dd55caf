// Package resilience wraps the provider gateways with retry, backoff,
// circuit breaking, and fallback ordering. It is the only layer that sees
// transient backend errors; callers receive either a result, a fatal
// configuration error, or ErrProvidersExhausted.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/IceDan98/Dualis/internal/convo"
	"github.com/IceDan98/Dualis/internal/observability"
	"github.com/IceDan98/Dualis/internal/provider"
)

// ErrProvidersExhausted means every eligible provider was tried and failed.
var ErrProvidersExhausted = errors.New("all providers exhausted")

// Provider pairs a gateway with the circuit breaker guarding it.
type Provider struct {
	Gateway *provider.Gateway
	Breaker *Breaker
}

type Config struct {
	// MaxAttempts caps same-provider retries for retryable errors
	// (rate limits and timeouts).
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Policy executes one generation against the configured provider set.
type Policy struct {
	providers []*Provider
	cfg       Config
	metrics   *observability.Metrics

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(providers []*Provider, cfg Config, metrics *observability.Metrics) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 4 * time.Second
	}
	p := &Policy{providers: providers, cfg: cfg, metrics: metrics, sleep: sleepCtx}
	if metrics != nil {
		for _, pr := range providers {
			pr.Breaker.SetStateHook(func(name string, s BreakerState) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(s))
			})
		}
	}
	return p
}

// Providers returns the configured provider set.
func (p *Policy) Providers() []*Provider { return p.providers }

// Execute tries providers in priority order among those enabled and not
// circuit-broken. Rate limits and timeouts retry the same provider with
// exponential backoff and jitter up to the attempt cap; server errors and
// unavailability fall through to the next provider immediately; invalid
// input and auth errors abort the turn. Cancellation is observed before
// every attempt and during every backoff wait.
func (p *Policy) Execute(ctx context.Context, prompt convo.Prompt) (provider.Result, error) {
	eligible := p.eligible()
	if len(eligible) == 0 {
		return provider.Result{}, fmt.Errorf("%w: no providers eligible", ErrProvidersExhausted)
	}

	var lastErr error
	for _, pr := range eligible {
		if !pr.Breaker.Allow() {
			continue
		}
		res, err := p.attemptProvider(ctx, pr, prompt)
		if err == nil {
			pr.Breaker.RecordSuccess()
			return res, nil
		}
		if ctx.Err() != nil {
			return provider.Result{}, ctx.Err()
		}
		pe, ok := provider.Classify(err)
		if ok && pe.Code.Fatal() {
			// Configuration problem, not backend health; the breaker
			// stays untouched and no fallback is attempted.
			return provider.Result{}, err
		}
		pr.Breaker.RecordFailure()
		lastErr = err
		if p.metrics != nil {
			p.metrics.ObserveTurnIndicator("provider_fallback")
		}
		log.Printf("provider %s failed, falling back: %v", pr.Gateway.Name(), err)
	}

	if p.metrics != nil {
		p.metrics.ProvidersExhausted.Inc()
	}
	if lastErr != nil {
		return provider.Result{}, fmt.Errorf("%w: last error: %v", ErrProvidersExhausted, lastErr)
	}
	return provider.Result{}, ErrProvidersExhausted
}

func (p *Policy) attemptProvider(ctx context.Context, pr *Provider, prompt convo.Prompt) (provider.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return provider.Result{}, err
		}
		res, err := pr.Gateway.Generate(ctx, prompt)
		if err == nil {
			return res, nil
		}
		lastErr = err

		pe, ok := provider.Classify(err)
		if !ok || !pe.Code.Retryable() {
			return provider.Result{}, err
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}
		wait := WithJitter(ExponentialBackoff(attempt, p.cfg.BackoffBase, p.cfg.BackoffCap))
		if err := p.sleep(ctx, wait); err != nil {
			return provider.Result{}, err
		}
	}
	return provider.Result{}, lastErr
}

func (p *Policy) eligible() []*Provider {
	out := make([]*Provider, 0, len(p.providers))
	for _, pr := range p.providers {
		if pr.Gateway.Descriptor().Enabled() {
			out = append(out, pr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Gateway.Descriptor().Priority < out[j].Gateway.Descriptor().Priority
	})
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
