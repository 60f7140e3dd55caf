package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IceDan98/Dualis/internal/convo"
	"github.com/IceDan98/Dualis/internal/provider"
)

func failWith(name string, code provider.Code) func(convo.Prompt) (provider.Result, error) {
	return func(convo.Prompt) (provider.Result, error) {
		return provider.Result{}, provider.NewError(name, code, errors.New("stub failure"))
	}
}

func succeedWith(text string) func(convo.Prompt) (provider.Result, error) {
	return func(convo.Prompt) (provider.Result, error) {
		return provider.Result{Text: text, TokensUsed: 1}, nil
	}
}

type testProvider struct {
	*Provider
	client *provider.MockClient
}

func newTestProvider(name string, priority int) testProvider {
	client := provider.NewMockClient(name)
	desc := provider.NewDescriptor(name, "model", priority, 4096, 0)
	return testProvider{
		Provider: &Provider{
			Gateway: provider.NewGateway(desc, client, time.Second, nil),
			Breaker: NewBreaker(name, 5, time.Minute, 8*time.Minute),
		},
		client: client,
	}
}

func newTestPolicy(cfg Config, providers ...testProvider) *Policy {
	set := make([]*Provider, len(providers))
	for i, p := range providers {
		set[i] = p.Provider
	}
	pol := NewPolicy(set, cfg, nil)
	pol.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return pol
}

func testPrompt() convo.Prompt {
	return convo.Prompt{Messages: []convo.Message{{Role: convo.RoleUser, Text: "hi"}}, Tokens: 5}
}

func TestServerErrorFallsBackWithoutRetry(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.client.Enqueue(failWith("primary", provider.CodeServerError))
	secondary.client.Enqueue(succeedWith("ok"))

	pol := newTestPolicy(Config{}, primary, secondary)
	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("text = %q, want %q", res.Text, "ok")
	}
	if primary.client.Calls() != 1 {
		t.Fatalf("primary calls = %d, want 1 (no same-provider retry on server error)", primary.client.Calls())
	}
	if secondary.client.Calls() != 1 {
		t.Fatalf("secondary calls = %d, want 1", secondary.client.Calls())
	}
}

func TestRateLimitRetriesSameProviderUpToCap(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.client.Enqueue(
		failWith("primary", provider.CodeRateLimited),
		failWith("primary", provider.CodeRateLimited),
		failWith("primary", provider.CodeRateLimited),
	)
	secondary.client.Enqueue(succeedWith("fallback"))

	pol := newTestPolicy(Config{MaxAttempts: 3}, primary, secondary)
	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "fallback" {
		t.Fatalf("text = %q, want %q", res.Text, "fallback")
	}
	if primary.client.Calls() != 3 {
		t.Fatalf("primary calls = %d, want 3 (attempt cap)", primary.client.Calls())
	}
}

func TestRateLimitRecoversOnRetry(t *testing.T) {
	primary := newTestProvider("primary", 0)
	primary.client.Enqueue(
		failWith("primary", provider.CodeRateLimited),
		succeedWith("recovered"),
	)

	pol := newTestPolicy(Config{MaxAttempts: 3}, primary)
	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("text = %q, want %q", res.Text, "recovered")
	}
	if primary.client.Calls() != 2 {
		t.Fatalf("primary calls = %d, want 2", primary.client.Calls())
	}
}

func TestFatalErrorStopsTheTurn(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.client.Enqueue(failWith("primary", provider.CodeAuthError))

	pol := newTestPolicy(Config{}, primary, secondary)
	_, err := pol.Execute(context.Background(), testPrompt())
	pe, ok := provider.Classify(err)
	if !ok || pe.Code != provider.CodeAuthError {
		t.Fatalf("Execute() error = %v, want auth_error", err)
	}
	if secondary.client.Calls() != 0 {
		t.Fatalf("secondary calls = %d, want 0 (fatal errors never fall back)", secondary.client.Calls())
	}
	if primary.Breaker.State() != StateClosed {
		t.Fatalf("breaker state = %v, want closed (fatal errors are not backend health)", primary.Breaker.State())
	}
}

func TestAllProvidersUnavailableIsExhausted(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.client.Enqueue(failWith("primary", provider.CodeUnavailable))
	secondary.client.Enqueue(failWith("secondary", provider.CodeUnavailable))

	pol := newTestPolicy(Config{}, primary, secondary)
	_, err := pol.Execute(context.Background(), testPrompt())
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("Execute() error = %v, want ErrProvidersExhausted", err)
	}
}

func TestOpenBreakerSkipsProvider(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.Breaker = NewBreaker("primary", 1, time.Hour, 8*time.Hour)
	primary.Breaker.RecordFailure() // open

	secondary.client.Enqueue(succeedWith("ok"))
	pol := newTestPolicy(Config{}, testProvider{Provider: primary.Provider, client: primary.client}, secondary)

	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("text = %q, want ok from secondary", res.Text)
	}
	if primary.client.Calls() != 0 {
		t.Fatalf("primary calls = %d, want 0 while breaker open", primary.client.Calls())
	}
}

func TestRepeatedFailuresOpenBreaker(t *testing.T) {
	threshold := 3
	primary := newTestProvider("primary", 0)
	primary.Breaker = NewBreaker("primary", threshold, time.Hour, 8*time.Hour)
	for i := 0; i < threshold; i++ {
		primary.client.Enqueue(failWith("primary", provider.CodeServerError))
	}

	pol := newTestPolicy(Config{}, testProvider{Provider: primary.Provider, client: primary.client})
	for i := 0; i < threshold; i++ {
		if _, err := pol.Execute(context.Background(), testPrompt()); !errors.Is(err, ErrProvidersExhausted) {
			t.Fatalf("turn %d error = %v, want ErrProvidersExhausted", i, err)
		}
	}
	if primary.Breaker.State() != StateOpen {
		t.Fatalf("breaker state = %v after %d failed turns, want open", primary.Breaker.State(), threshold)
	}
	// Further turns never reach the client.
	calls := primary.client.Calls()
	if _, err := pol.Execute(context.Background(), testPrompt()); !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("error = %v, want ErrProvidersExhausted", err)
	}
	if primary.client.Calls() != calls {
		t.Fatalf("client was called while breaker open")
	}
}

func TestDisabledProviderSkipped(t *testing.T) {
	primary := newTestProvider("primary", 0)
	secondary := newTestProvider("secondary", 1)
	primary.Gateway.Descriptor().SetEnabled(false)
	secondary.client.Enqueue(succeedWith("ok"))

	pol := newTestPolicy(Config{}, primary, secondary)
	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "ok" || primary.client.Calls() != 0 {
		t.Fatalf("disabled provider was used: text=%q calls=%d", res.Text, primary.client.Calls())
	}
}

func TestCancellationDuringBackoffStops(t *testing.T) {
	primary := newTestProvider("primary", 0)
	primary.client.Enqueue(failWith("primary", provider.CodeRateLimited))

	ctx, cancel := context.WithCancel(context.Background())
	pol := newTestPolicy(Config{MaxAttempts: 3}, primary)
	pol.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := pol.Execute(ctx, testPrompt())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if primary.client.Calls() != 1 {
		t.Fatalf("primary calls = %d, want 1 (no attempt after cancelled backoff)", primary.client.Calls())
	}
}

func TestPriorityOrderRespected(t *testing.T) {
	// Registered out of order; priority must decide.
	second := newTestProvider("second", 5)
	first := newTestProvider("first", 1)
	first.client.Enqueue(succeedWith("from-first"))

	pol := newTestPolicy(Config{}, second, first)
	res, err := pol.Execute(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Text != "from-first" {
		t.Fatalf("text = %q, want from-first", res.Text)
	}
	if second.client.Calls() != 0 {
		t.Fatalf("lower-priority provider called first")
	}
}
