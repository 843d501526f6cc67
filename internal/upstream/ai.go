// Package upstream holds the clients for the AI providers behind the guard.
// Every call goes through the dependency's circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/circuitbreaker"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Dependency names, also used as breaker names.
const (
	AIGateway  = "ai-gateway"
	ElevenLabs = "elevenlabs"
)

// ErrEmptyCompletion is returned when the provider answered without text.
var ErrEmptyCompletion = errors.New("upstream: completion has no content")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a completion request. An empty Model uses the configured one.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Completion is the generated text plus token usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// AIClient talks to an OpenAI-compatible chat completions endpoint.
type AIClient struct {
	cfg     config.UpstreamConfig
	breaker *circuitbreaker.Breaker
	client  *http.Client
}

// NewAIClient creates a client. A nil client uses http.DefaultClient.
func NewAIClient(cfg config.UpstreamConfig, breaker *circuitbreaker.Breaker, client *http.Client) *AIClient {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AIClient{cfg: cfg, breaker: breaker, client: client}
}

// Complete generates a response. cfg.Timeout bounds the whole call,
// retries included.
func (c *AIClient) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	body, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := circuitbreaker.DoHTTP(ctx, c.breaker, c.client, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return decodeCompletion(resp.Body)
}

func (c *AIClient) encode(req ChatRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body, err := sjson.SetBytes([]byte(`{}`), "model", model)
	if err != nil {
		return nil, err
	}
	if req.System != "" {
		if body, err = sjson.SetBytes(body, "messages.-1", Message{Role: "system", Content: req.System}); err != nil {
			return nil, err
		}
	}
	for _, m := range req.Messages {
		if body, err = sjson.SetBytes(body, "messages.-1", m); err != nil {
			return nil, err
		}
	}
	if req.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", req.MaxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decodeCompletion(body []byte) (*Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("upstream: invalid completion json")
	}
	res := gjson.GetManyBytes(body,
		"choices.0.message.content",
		"model",
		"usage.prompt_tokens",
		"usage.completion_tokens",
	)
	if res[0].String() == "" {
		return nil, ErrEmptyCompletion
	}
	return &Completion{
		Text:         res[0].String(),
		Model:        res[1].String(),
		InputTokens:  res[2].Int(),
		OutputTokens: res[3].Int(),
	}, nil
}
