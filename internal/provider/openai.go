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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat-completions protocol. It also covers the
// many self-hosted backends that expose the same API surface.
type OpenAIClient struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client

	maxOutputTokens int
	temperature     float64
}

type OpenAIConfig struct {
	Name            string
	Model           string
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxOutputTokens int
	Temperature     float64
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	maxOut := cfg.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1000
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	return &OpenAIClient{
		name:            name,
		model:           cfg.Model,
		apiKey:          cfg.APIKey,
		baseURL:         base,
		client:          &http.Client{Timeout: timeout},
		maxOutputTokens: maxOut,
		temperature:     temp,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt convo.Prompt) (Result, error) {
	msgs := make([]chatMessage, 0, len(prompt.Messages)+1)
	if strings.TrimSpace(prompt.System) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: prompt.System})
	}
	for _, m := range prompt.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Text})
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   c.maxOutputTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return Result{}, NewError(c.name, CodeInvalidInput, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, NewError(c.name, CodeInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, NewError(c.name, CodeServerError, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return Result{}, NewError(c.name, CodeServerError, errors.New("no choices in response"))
	}
	return Result{
		Text:       strings.TrimSpace(parsed.Choices[0].Message.Content),
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}
