package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grouper_server/core/port/out"
	"grouper_server/pkg/metrics"
	"grouper_server/pkg/resilience"

	"github.com/sony/gobreaker"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.3
)

// Client is the OpenAI-backed model provider. It retries transient failures
// and trips a circuit breaker when the provider keeps failing.
type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	retry       resilience.RetryPolicy
	breaker     *gobreaker.CircuitBreaker
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Retry       resilience.RetryPolicy
	HTTPClient  *http.Client
}

var _ out.LLMClient = (*Client)(nil)

func NewClient(apiKey string) *Client {
	return NewClientWithConfig(ClientConfig{APIKey: apiKey})
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryPolicy()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	switch {
	case cfg.HTTPClient != nil:
		oc.HTTPClient = cfg.HTTPClient
	case cfg.Timeout > 0:
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		retry:       retry,
		breaker:     resilience.NewBreaker("openai"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// CompleteJSON asks the model for a JSON object. Transient failures
// (timeouts, 429, 5xx) are retried with backoff; anything else returns at once.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, opts out.CompletionOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}

	var content string
	err := resilience.Retry(ctx, c.retry, IsTransient, func(ctx context.Context) error {
		return resilience.Execute(c.breaker, IsTransient, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, req)
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return ErrEmptyResponse
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// IsTransient reports whether err is worth retrying: timeouts, rate limits
// and server errors. An open breaker fails fast, as do auth and validation
// failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if resilience.IsTimeout(err) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 0 {
			return true
		}
		return resilience.IsTransientStatus(reqErr.HTTPStatusCode)
	}
	return false
}

// Observe wraps a completion call and records its latency under purpose.
func Observe(ctx context.Context, c out.LLMClient, purpose, systemPrompt, userPrompt string, opts out.CompletionOptions) (string, error) {
	started := time.Now()
	raw, err := c.CompleteJSON(ctx, systemPrompt, userPrompt, opts)
	metrics.ObserveModel(purpose, started, err)
	return raw, err
}
