package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/saashqdev/ops-center/internal/config"
)

// Dispatch errors
var (
	ErrUpstreamTimeout = errors.New("upstream provider timeout")
	ErrUpstreamError   = errors.New("upstream provider error")
	ErrCircuitOpen     = errors.New("provider circuit breaker is open")
)

// Target describes one dispatch attempt against a concrete provider/model
// pair with a resolved credential.
type Target struct {
	ProviderID string
	Endpoint   string
	Model      string
	APIKey     string
	Payload    json.RawMessage
	Timeout    time.Duration
}

// Result carries the upstream response and its metered token usage.
type Result struct {
	TokensIn  int
	TokensOut int
	Body      json.RawMessage
	Latency   time.Duration
}

// Dispatcher sends an inference payload to a provider. Implementations must
// honor the context deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, target Target) (*Result, error)
}

// HTTPDispatcher dispatches over HTTP with per-provider circuit breakers.
// An open breaker is reported as an upstream failure so the caller's health
// accounting and retry logic treat it like any other provider error.
type HTTPDispatcher struct {
	client   *http.Client
	timeouts *TimeoutManager
	breakers *breakerSet
}

// NewHTTPDispatcher creates an HTTP dispatcher.
func NewHTTPDispatcher(cfg *config.DispatchConfig) *HTTPDispatcher {
	timeouts := NewTimeoutManager(cfg)
	return &HTTPDispatcher{
		client: &http.Client{
			// Per-attempt deadlines come from the context; this is a hard
			// upper bound.
			Timeout: timeouts.config.MaxTimeout,
		},
		timeouts: timeouts,
		breakers: newBreakerSet(),
	}
}

type upstreamResponse struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Dispatch sends the payload to the target provider and parses metered
// token usage from the response.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, target Target) (*Result, error) {
	cb := d.breakers.get(target.ProviderID)

	ctx, cancel := d.timeouts.WithTimeout(ctx, target.Timeout)
	defer cancel()

	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		return d.send(ctx, target)
	})
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("provider_id", target.ProviderID).
				Msg("Circuit breaker open, rejecting dispatch")
			return nil, ErrCircuitOpen
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, err
	}

	res := result.(*Result)
	res.Latency = latency
	return res, nil
}

func (d *HTTPDispatcher) send(ctx context.Context, target Target) (*Result, error) {
	body, err := injectModel(target.Payload, target.Model)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+target.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamError, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamError, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: upstream rejected request with status %d", ErrUpstreamError, resp.StatusCode)
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUpstreamError, err)
	}

	return &Result{
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Body:      respBody,
	}, nil
}

// injectModel sets the target model name on the forwarded payload.
func injectModel(payload json.RawMessage, model string) ([]byte, error) {
	var body map[string]json.RawMessage
	if len(payload) == 0 {
		body = make(map[string]json.RawMessage)
	} else if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	name, _ := json.Marshal(model)
	body["model"] = name
	return json.Marshal(body)
}
