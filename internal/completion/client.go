package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"keke-agent/internal/chat"
	"keke-agent/internal/logging"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second

	// consecutive failures before a model's breaker opens
	tripAfter = 3
)

// Client calls /chat/completions. Each model gets its own circuit breaker;
// failed calls are not retried here, the next trigger retries naturally.
type Client struct {
	httpClient   *http.Client
	apiKey       string
	baseURL      string
	breakerDelay time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*chatResponse]
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the endpoint root; "/chat/completions" is appended.
func WithBaseURL(url string) Option {
	return func(cl *Client) {
		cl.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient.Timeout = d
		}
	}
}

// WithBreakerTimeout sets how long an open breaker waits before probing again.
func WithBreakerTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.breakerDelay = d
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		breakerDelay: 30 * time.Second,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*chatResponse]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends turns to model and returns the first choice.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn, model string) (Result, error) {
	cb := c.breaker(model)

	resp, err := cb.Execute(func() (*chatResponse, error) {
		return c.doRequest(ctx, chatRequest{Model: model, Messages: toWire(turns)})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, &ClassifiedError{
				Type:    ErrTypeOverloaded,
				Message: fmt.Sprintf("circuit breaker %s for model %s", cb.State(), model),
			}
		}
		return Result{}, err
	}

	return Result{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClassifiedError{Type: ErrTypeTimeout, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifiedError{
			Type:       ErrTypeMalformedResponse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("read response body: %v", err),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ClassifiedError{
			Type:       ErrTypeMalformedResponse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("parse response JSON: %v", err),
		}
	}
	if len(out.Choices) == 0 {
		return nil, &ClassifiedError{
			Type:       ErrTypeMalformedResponse,
			StatusCode: resp.StatusCode,
			Message:    "response contains no choices",
		}
	}
	return &out, nil
}

func (c *Client) breaker(model string) *gobreaker.CircuitBreaker[*chatResponse] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*chatResponse](gobreaker.Settings{
		Name:        "completion-" + model,
		MaxRequests: 1,
		Timeout:     c.breakerDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// a rejected request says nothing about provider health
			var ce *ClassifiedError
			if errors.As(err, &ce) {
				return !ce.Transient()
			}
			return errors.Is(err, context.Canceled)
		},
	})
	c.breakers[model] = cb
	return cb
}
