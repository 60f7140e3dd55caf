// Package provider gives every LLM backend the same one-attempt surface:
// a Client that turns a prompt into text, and a shared error taxonomy the
// resilience layer keys its retry and fallback decisions on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/IceDan98/Dualis/internal/convo"
)

// Code classifies a failed backend attempt.
type Code string

const (
	CodeRateLimited  Code = "rate_limited"
	CodeTimeout      Code = "timeout"
	CodeInvalidInput Code = "invalid_input"
	CodeServerError  Code = "server_error"
	CodeAuthError    Code = "auth_error"
	CodeUnavailable  Code = "unavailable"
)

// Retryable reports whether the same provider is worth retrying.
func (c Code) Retryable() bool {
	return c == CodeRateLimited || c == CodeTimeout
}

// Fatal reports whether the failure indicates a programming or
// configuration error, ruling out retries and fallback alike.
func (c Code) Fatal() bool {
	return c == CodeInvalidInput || c == CodeAuthError
}

// Error is a classified backend failure.
type Error struct {
	Provider string
	Code     Code
	cause    error
}

func NewError(providerName string, code Code, cause error) *Error {
	return &Error{Provider: providerName, Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Code, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Classify extracts the provider error from an error chain.
func Classify(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Result is a successful generation.
type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

// Client is a single attempt against a single backend. No retry logic
// lives behind this interface.
type Client interface {
	Generate(ctx context.Context, prompt convo.Prompt) (Result, error)
}

// Descriptor is the static record for one configured backend. It lives for
// the process lifetime and is shared by reference; only the enabled flag
// and the rate limiter see runtime mutation.
type Descriptor struct {
	Name      string
	Model     string
	Priority  int
	MaxTokens int

	enabled atomic.Bool
	limiter *rate.Limiter
}

func NewDescriptor(name, model string, priority, maxTokens, ratePerMinute int) *Descriptor {
	d := &Descriptor{
		Name:      name,
		Model:     model,
		Priority:  priority,
		MaxTokens: maxTokens,
	}
	d.enabled.Store(true)
	if ratePerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	}
	return d
}

func (d *Descriptor) Enabled() bool { return d.enabled.Load() }

func (d *Descriptor) SetEnabled(v bool) { d.enabled.Store(v) }

// AllowAttempt consumes one slot of the per-minute rate limit. It never
// blocks; a saturated limiter is reported as a rate-limit failure so the
// resilience layer backs off instead of hammering the backend.
func (d *Descriptor) AllowAttempt() bool {
	if d.limiter == nil {
		return true
	}
	return d.limiter.Allow()
}
