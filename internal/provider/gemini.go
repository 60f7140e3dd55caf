package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/IceDan98/Dualis/internal/convo"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient calls the Gemini generateContent API. One call per Generate,
// no retries; failures come back classified.
type GeminiClient struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client

	maxOutputTokens int
	temperature     float64
}

type GeminiConfig struct {
	Name            string
	Model           string
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxOutputTokens int
	Temperature     float64
}

func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultGeminiBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	maxOut := cfg.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1000
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	return &GeminiClient{
		name:            name,
		model:           cfg.Model,
		apiKey:          cfg.APIKey,
		baseURL:         base,
		client:          &http.Client{Timeout: timeout},
		maxOutputTokens: maxOut,
		temperature:     temp,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens"`
		Temperature     float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GeminiClient) Generate(ctx context.Context, prompt convo.Prompt) (Result, error) {
	body := geminiRequest{Contents: toGeminiContents(prompt)}
	if strings.TrimSpace(prompt.System) != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: prompt.System}}}
	}
	body.GenerationConfig.MaxOutputTokens = c.maxOutputTokens
	body.GenerationConfig.Temperature = c.temperature

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, NewError(c.name, CodeInvalidInput, fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, NewError(c.name, CodeInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Result{}, NewError(c.name, classifyTransportError(err), err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Result{}, NewError(c.name, CodeUnavailable, fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode != http.StatusOK {
		return Result{}, NewError(c.name, classifyStatus(res.StatusCode), fmt.Errorf("status %d: %s", res.StatusCode, truncate(raw, 500)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, NewError(c.name, CodeServerError, fmt.Errorf("decode response: %w", err))
	}

	if parsed.PromptFeedback.BlockReason != "" {
		return Result{}, NewError(c.name, CodeInvalidInput, fmt.Errorf("prompt blocked: %s", parsed.PromptFeedback.BlockReason))
	}
	if len(parsed.Candidates) == 0 {
		return Result{}, NewError(c.name, CodeServerError, errors.New("no candidates in response"))
	}
	cand := parsed.Candidates[0]
	if cand.FinishReason != "" && cand.FinishReason != "STOP" && cand.FinishReason != "MAX_TOKENS" {
		return Result{}, NewError(c.name, CodeInvalidInput, fmt.Errorf("generation stopped: %s", cand.FinishReason))
	}

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	return Result{
		Text:       strings.TrimSpace(text.String()),
		TokensUsed: parsed.UsageMetadata.TotalTokenCount,
	}, nil
}

// toGeminiContents maps assistant history to the "model" role and collapses
// consecutive same-role messages, which the API rejects.
func toGeminiContents(prompt convo.Prompt) []geminiContent {
	var out []geminiContent
	for _, m := range prompt.Messages {
		role := "user"
		if m.Role == convo.RoleAssistant {
			role = "model"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, geminiPart{Text: m.Text})
			continue
		}
		out = append(out, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Text}}})
	}
	if len(out) > 0 && out[0].Role == "model" {
		out = append([]geminiContent{{Role: "user", Parts: []geminiPart{{Text: "Continue."}}}}, out...)
	}
	return out
}

func classifyStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusBadRequest:
		return CodeInvalidInput
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthError
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnavailable
	}
}

func classifyTransportError(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimeout
	}
	return CodeUnavailable
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
