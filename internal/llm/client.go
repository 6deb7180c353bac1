package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/config"
	"github.com/stellarlinkco/prospector/internal/logging"
)

const anthropicVersion = "2023-06-01"

// Usage is the token accounting reported with a successful response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageObserver receives usage after each successful call. It runs on the
// caller's goroutine and must not block.
type UsageObserver func(model string, usage Usage)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64

	HTTPClient *http.Client
	Logger     *zap.Logger
	OnUsage    UsageObserver
	Sleep      SleepFunc
}

// OptionsFromConfig maps the provider and retry sections onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		Model:          cfg.Provider.Model,
		MaxTokens:      cfg.Provider.MaxTokens,
		Temperature:    cfg.Provider.Temperature,
		Timeout:        cfg.RequestTimeout(),
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		Jitter:         cfg.Retry.Jitter,
	}
}

// Executor runs one prompt against the model and returns the JSON it answered.
type Executor interface {
	Execute(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Client calls the messages endpoint with a per-attempt timeout, bounded
// retries with exponential backoff, and JSON repair of the answer text.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	temperature    float64
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	jitter         float64
	httpClient     *http.Client
	logger         *zap.Logger
	onUsage        UsageObserver
	sleep          SleepFunc
}

func New(opts Options) *Client {
	c := &Client{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:          opts.Model,
		maxTokens:      opts.MaxTokens,
		temperature:    opts.Temperature,
		timeout:        opts.Timeout,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		jitter:         opts.Jitter,
		httpClient:     opts.HTTPClient,
		logger:         logging.OrNop(opts.Logger).Named("llm"),
		onUsage:        opts.OnUsage,
		sleep:          opts.Sleep,
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultBaseURL
	}
	if c.model == "" {
		c.model = config.DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = config.DefaultMaxTokens
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = config.DefaultMaxAttempts
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = time.Second
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 8 * time.Second
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.onUsage == nil {
		c.onUsage = c.logUsage
	}
	return c
}

func (c *Client) Model() string { return c.model }

type messageRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *Usage `json:"usage,omitempty"`
}

// Execute sends prompt and returns the parsed JSON answer. Transport errors,
// timeouts, 429 and 5xx are retried; other statuses, a missing key and
// unparseable answers fail immediately.
func (c *Client) Execute(ctx context.Context, prompt string) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(messageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.Backoff(attempt - 1)
			c.logger.Warn("retrying model request",
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("wait for retry: %w", err)
			}
		}

		text, err := c.attempt(ctx, payload)
		if err == nil {
			return ExtractJSON(text)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("model request abandoned: %w", ctxErr)
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			c.logger.Error("model request rejected", zap.Int("status", statusErr.StatusCode))
			return nil, err
		}
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, err
		}
		lastErr = err
	}

	c.logger.Error("model request failed", zap.Int("attempts", c.maxAttempts), zap.Error(lastErr))
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxAttempts, lastErr)
}

// attempt performs one request under its own timeout and returns the answer text.
func (c *Client) attempt(ctx context.Context, payload []byte) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded messageResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &ParseError{Text: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Usage != nil {
		c.observeUsage(*decoded.Usage)
	}

	text := ""
	if len(decoded.Content) > 0 {
		text = decoded.Content[0].Text
	}
	return text, nil
}

// Backoff is the delay after the failed attempt with zero-based index attempt:
// min(initial * 2^attempt, max), plus optional jitter that never passes max.
func (c *Client) Backoff(attempt int) time.Duration {
	wait := c.maxBackoff
	if attempt < 30 {
		if d := c.initialBackoff << uint(attempt); d > 0 && d < c.maxBackoff {
			wait = d
		}
	}
	if c.jitter > 0 {
		wait += time.Duration(rand.Float64() * c.jitter * float64(wait))
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
	return wait
}

func (c *Client) observeUsage(u Usage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("usage observer panicked", zap.Any("panic", r))
		}
	}()
	c.onUsage(c.model, u)
}

func (c *Client) logUsage(model string, u Usage) {
	c.logger.Info("model usage",
		zap.String("model", model),
		zap.Int("input_tokens", u.InputTokens),
		zap.Int("output_tokens", u.OutputTokens))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
