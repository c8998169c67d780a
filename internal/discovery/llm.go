// Package discovery finds leader-follower market pairs: it embeds market
// questions, clusters them, asks an LLM to evaluate candidate pairs, and
// registers actionable relations in the opportunity state.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/exchange"
)

// ChatProvider is the chat-completion oracle used for cluster labeling and
// pair evaluation. Replies are treated as untrusted text.
type ChatProvider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// EmbeddingProvider maps texts to fixed-length vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// OpenAIClient speaks the OpenAI-compatible HTTP shape for both chat
// completions and embeddings.
type OpenAIClient struct {
	http           *resty.Client
	model          string
	embeddingModel string
	bucket         *exchange.TokenBucket
}

// NewOpenAIClient creates a provider client with finite timeouts and gentle
// request pacing.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &OpenAIClient{
		http:           client,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		bucket:         exchange.NewTokenBucket(5, 2),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one (system, user) pair and returns the reply text.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.bucket.Wait(ctx); err != nil {
		return "", err
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   1000,
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return out.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed maps texts to vectors, preserving input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var out embeddingResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embeddingRequest{Model: c.embeddingModel, Input: texts}).
		SetResult(&out).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("embeddings: status %d", resp.StatusCode())
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(out.Data), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// StripCodeFence removes a surrounding markdown code fence, if present, so
// fenced JSON replies parse cleanly.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence line.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// PairVerdict is the structured JSON reply expected from the pair-evaluation
// prompt. Parsed defensively: the reply is hostile input.
type PairVerdict struct {
	IsSameEvent          bool    `json:"isSameEvent"`
	AreMutuallyExclusive bool    `json:"areMutuallyExclusive"`
	RelationshipType     string  `json:"relationshipType"`
	ConfidenceScore      float64 `json:"confidenceScore"`
	TradingRationale     string  `json:"tradingRationale"`
	ExpectedEdge         string  `json:"expectedEdge"`
}

// ParsePairVerdict parses an LLM reply into a verdict. Strips code fences
// first; returns an error for anything that is not well-formed JSON.
func ParsePairVerdict(reply string) (*PairVerdict, error) {
	var v PairVerdict
	if err := json.Unmarshal([]byte(StripCodeFence(reply)), &v); err != nil {
		return nil, fmt.Errorf("parse pair verdict: %w", err)
	}
	return &v, nil
}
