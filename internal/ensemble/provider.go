package ensemble

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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"tradebridge/internal/config"
)

// Provider evaluates a prompt and returns a parsed model output. The
// second return distinguishes transport failures (which the evaluator maps
// to compliance reasons) from parsed responses.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, systemMsg, userMsg string) (ModelOutput, error)
}

// errMissingKey marks a provider configured without credentials
var errMissingKey = errors.New("provider api key not configured")

// chat wire types, OpenAI-compatible
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPProvider calls an OpenAI-style chat completions endpoint behind a
// per-provider circuit breaker
type HTTPProvider struct {
	name        string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

// NewHTTPProvider creates a provider from config. The timeout applies per
// request; the evaluator adds its own per-provider context deadline.
func NewHTTPProvider(name string, cfg config.ProviderConfig, llm config.LLMConfig) *HTTPProvider {
	timeout := time.Duration(llm.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	temperature := llm.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	maxTokens := llm.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	p := &HTTPProvider{
		name:        name,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log.With().Str("component", "ensemble").Str("provider", name).Logger(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-" + name,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
		},
	})
	return p
}

// Name returns the provider's ensemble key (claude, gpt4o, gemini)
func (p *HTTPProvider) Name() string { return p.name }

// Evaluate sends the prompt and parses the JSON body of the model's reply
func (p *HTTPProvider) Evaluate(ctx context.Context, systemMsg, userMsg string) (ModelOutput, error) {
	if p.apiKey == "" {
		return ModelOutput{}, errMissingKey
	}

	start := time.Now()
	raw, err := p.breaker.Execute(func() (interface{}, error) {
		return p.complete(ctx, systemMsg, userMsg)
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ModelOutput{LatencyMS: latency}, err
	}

	output, err := parseModelReply(raw.(string))
	if err != nil {
		return ModelOutput{LatencyMS: latency}, err
	}
	output.Model = p.name
	output.LatencyMS = latency
	p.logger.Debug().
		Float64("score", output.Score).
		Int64("latency_ms", latency).
		Msg("Provider evaluation completed")
	return output, nil
}

func (p *HTTPProvider) complete(ctx context.Context, systemMsg, userMsg string) (string, error) {
	request := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMsg},
			{Role: "user", Content: userMsg},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Error != nil {
			return "", fmt.Errorf("provider API error: %s", parsed.Error.Message)
		}
		return "", fmt.Errorf("provider API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// replySchema is the JSON shape models must return
type replySchema struct {
	Score       *float64 `json:"score"`
	ShouldTrade *bool    `json:"should_trade"`
	Confidence  *float64 `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// errSchema wraps validation failures so the evaluator can distinguish
// them from JSON parse failures
type schemaError struct{ msg string }

func (e schemaError) Error() string { return e.msg }

// parseError wraps malformed-JSON replies so the evaluator can classify
// them without matching on message text
type parseError struct{ err error }

func (e parseError) Error() string { return "failed to parse model reply: " + e.err.Error() }
func (e parseError) Unwrap() error { return e.err }

// parseModelReply extracts and validates the JSON object in a model reply.
// Models sometimes wrap the object in a code fence; strip it first.
func parseModelReply(content string) (ModelOutput, error) {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "{"); idx >= 0 {
		if end := strings.LastIndex(content, "}"); end > idx {
			content = content[idx : end+1]
		}
	}

	var reply replySchema
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return ModelOutput{}, parseError{err}
	}

	if reply.Score == nil {
		return ModelOutput{}, schemaError{"model reply missing score"}
	}
	if *reply.Score < 0 || *reply.Score > 100 {
		return ModelOutput{}, schemaError{fmt.Sprintf("score %.2f out of [0,100]", *reply.Score)}
	}
	confidence := 0.5
	if reply.Confidence != nil {
		if *reply.Confidence < 0 || *reply.Confidence > 1 {
			return ModelOutput{}, schemaError{fmt.Sprintf("confidence %.2f out of [0,1]", *reply.Confidence)}
		}
		confidence = *reply.Confidence
	}

	return ModelOutput{
		Score:       *reply.Score,
		ShouldTrade: reply.ShouldTrade,
		Confidence:  confidence,
		Reasoning:   reply.Reasoning,
	}, nil
}
