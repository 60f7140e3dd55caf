package provider

import (
	"context"
	"errors"
	"time"

	"github.com/IceDan98/Dualis/internal/convo"
	"github.com/IceDan98/Dualis/internal/observability"
)

// Gateway binds one backend client to its descriptor. Every Generate is a
// single attempt with an absolute deadline; the gateway records latency and
// outcome and enforces the descriptor's per-minute rate limit, but never
// retries. Retry and fallback live in the resilience layer.
type Gateway struct {
	desc    *Descriptor
	client  Client
	timeout time.Duration
	metrics *observability.Metrics
}

func NewGateway(desc *Descriptor, client Client, attemptTimeout time.Duration, metrics *observability.Metrics) *Gateway {
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	return &Gateway{desc: desc, client: client, timeout: attemptTimeout, metrics: metrics}
}

func (g *Gateway) Descriptor() *Descriptor { return g.desc }

func (g *Gateway) Name() string { return g.desc.Name }

func (g *Gateway) Generate(ctx context.Context, prompt convo.Prompt) (Result, error) {
	if !g.desc.AllowAttempt() {
		err := NewError(g.desc.Name, CodeRateLimited, errors.New("local rate limit saturated"))
		g.record("rate_limited_local", 0)
		return Result{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := g.client.Generate(attemptCtx, prompt)
	elapsed := time.Since(start)

	if err == nil {
		g.record("ok", elapsed)
		return res, nil
	}

	// Caller cancellation is coordination, not a backend failure; pass it
	// through unclassified so the resilience layer stops cleanly.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		g.record("cancelled", elapsed)
		return Result{}, ctx.Err()
	}

	pe, ok := Classify(err)
	if !ok {
		code := CodeUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		pe = NewError(g.desc.Name, code, err)
	} else if pe.Code == CodeTimeout && attemptCtx.Err() != nil {
		// Attempt deadline fired; keep the classification but make sure the
		// provider name is ours.
		pe.Provider = g.desc.Name
	}
	g.record(string(pe.Code), elapsed)
	return Result{}, pe
}

func (g *Gateway) record(result string, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.ProviderAttempts.WithLabelValues(g.desc.Name, result).Inc()
	if elapsed > 0 {
		g.metrics.ObserveProviderLatency(g.desc.Name, elapsed)
	}
}
