// Package app assembles the service from its parts. Build is the single
// place where configuration turns into wired components.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IceDan98/Dualis/internal/config"
	"github.com/IceDan98/Dualis/internal/convo"
	"github.com/IceDan98/Dualis/internal/httpapi"
	"github.com/IceDan98/Dualis/internal/observability"
	"github.com/IceDan98/Dualis/internal/provider"
	"github.com/IceDan98/Dualis/internal/quota"
	"github.com/IceDan98/Dualis/internal/resilience"
	"github.com/IceDan98/Dualis/internal/store"
	"github.com/IceDan98/Dualis/internal/tokens"
	"github.com/IceDan98/Dualis/internal/turn"
)

type ProviderInfo struct {
	Names []string
	Mode  string
}

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *turn.Coordinator
	Quota       *quota.Enforcer
	Metrics     *observability.Metrics
	Providers   ProviderInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	storage, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	descriptors, providers, mode := buildProviders(cfg, metrics)
	if len(providers) == 0 {
		_ = storage.Close()
		return nil, fmt.Errorf("no providers configured: set GEMINI_API_KEY or OPENAI_API_KEY, or PROVIDER_MODE=mock")
	}

	policy := resilience.NewPolicy(providers, resilience.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, metrics)

	defaultTier, err := tierByName(cfg.DefaultTier)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	enforcer := quota.NewEnforcer(quota.NewStaticSource(&defaultTier), metrics)
	enforcer.StartJanitor(ctx, time.Hour)

	est := tokens.NewEstimator()
	assembler := convo.NewAssembler(est)
	assembler.SetEvictHook(func(n int) {
		metrics.ContextEvictions.Add(float64(n))
	})

	coordinator := turn.NewCoordinator(
		est,
		assembler,
		policy,
		enforcer,
		storage,
		func() int { return promptBudget(descriptors) },
		defaultPersonas(),
		cfg.DefaultPersona,
		metrics,
		turn.Config{
			HistoryLimit: cfg.HistoryLimit,
			MemoryLimit:  cfg.MemoryLimit,
		},
	)

	api := httpapi.New(cfg, coordinator, enforcer, metrics)

	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coordinator,
		Quota:       enforcer,
		Metrics:     metrics,
		Providers:   ProviderInfo{Names: names, Mode: mode},
		Cleanup:     storage.Close,
	}, nil
}

// buildProviders resolves the backend set. Mock mode replaces every backend
// with the scripted in-process client; auto mode wires whichever real
// providers have an API key.
func buildProviders(cfg config.Config, metrics *observability.Metrics) ([]*provider.Descriptor, []*resilience.Provider, string) {
	var descriptors []*provider.Descriptor
	var providers []*resilience.Provider

	add := func(desc *provider.Descriptor, client provider.Client) {
		gw := provider.NewGateway(desc, client, cfg.AttemptTimeout, metrics)
		br := resilience.NewBreaker(desc.Name, cfg.BreakerThreshold, cfg.BreakerCooldown, 8*cfg.BreakerCooldown)
		descriptors = append(descriptors, desc)
		providers = append(providers, &resilience.Provider{Gateway: gw, Breaker: br})
	}

	if strings.EqualFold(cfg.ProviderMode, "mock") {
		desc := provider.NewDescriptor("mock", "mock", 1, cfg.GeminiMaxTokens, cfg.GeminiRatePerMinute)
		add(desc, provider.NewMockClient("mock"))
		return descriptors, providers, "mock"
	}

	if cfg.GeminiAPIKey != "" {
		desc := provider.NewDescriptor("gemini", cfg.GeminiModel, cfg.GeminiPriority, cfg.GeminiMaxTokens, cfg.GeminiRatePerMinute)
		add(desc, provider.NewGeminiClient(provider.GeminiConfig{
			Model:   cfg.GeminiModel,
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Timeout: cfg.AttemptTimeout,
		}))
	}
	if cfg.OpenAIAPIKey != "" {
		desc := provider.NewDescriptor("openai", cfg.OpenAIModel, cfg.OpenAIPriority, cfg.OpenAIMaxTokens, cfg.OpenAIRatePerMinute)
		add(desc, provider.NewOpenAIClient(provider.OpenAIConfig{
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.AttemptTimeout,
		}))
	}
	return descriptors, providers, "auto"
}

// promptBudget is the tightest context limit across the providers a turn
// may fall back to, so an assembled prompt fits any of them.
func promptBudget(descriptors []*provider.Descriptor) int {
	budget := 0
	for _, d := range descriptors {
		if !d.Enabled() {
			continue
		}
		if budget == 0 || d.MaxTokens < budget {
			budget = d.MaxTokens
		}
	}
	if budget == 0 {
		budget = 16000
	}
	return budget
}

func tierByName(name string) (quota.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "free":
		return quota.TierFree, nil
	case "basic":
		return quota.TierBasic, nil
	case "premium":
		return quota.TierPremium, nil
	case "vip":
		return quota.TierVIP, nil
	default:
		return quota.Tier{}, fmt.Errorf("unknown quota tier %q", name)
	}
}

func defaultPersonas() []turn.PersonaProfile {
	return []turn.PersonaProfile{
		{
			ID:           "companion",
			DisplayName:  "Companion",
			SystemPrompt: "You are Dualis, a warm and attentive companion. Keep replies conversational and grounded in what the user has shared.",
		},
		{
			ID:           "coach",
			DisplayName:  "Coach",
			SystemPrompt: "You are Dualis in coach mode: direct, practical, focused on concrete next steps.",
		},
	}
}
