// Package ai implements the AI Adapter described in spec.md §4.6: an
// OpenAI-compatible chat-completion client wrapped by the Resilience
// Kernel, a mandatory PII redaction pass, and a content-hash response
// cache, exposing the stable four-operation contract
// (ClassifyException, AnalyzeOrderProblems, AnalyzeAutomatedResolution,
// LintPolicy) other packages depend on through narrow interfaces.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenUsage mirrors an OpenAI-compatible usage block.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatClient is the narrow chat-completion surface Adapter depends on.
// HTTPChatClient is the production implementation; tests supply a stub.
type ChatClient interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (content string, usage TokenUsage, err error)
}

// HTTPChatClient is an OpenAI-compatible chat-completion client, adapted
// from the teacher's OpenAIClient into a provider-agnostic client
// pointed at AI_PROVIDER_BASE_URL and instrumented with otelhttp so
// outbound AI calls carry the same trace context as the rest of the
// pipeline.
type HTTPChatClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewHTTPChatClient builds a client against baseURL (an OpenAI-compatible
// chat-completions endpoint) using model for every request.
func NewHTTPChatClient(baseURL, apiKey, model string, timeout time.Duration) *HTTPChatClient {
	return &HTTPChatClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// ChatCompletion sends one request and returns the first choice's
// content plus token usage. A non-2xx response or a choices-less body
// is reported as an error so the resilience kernel's retry/circuit
// breaker layer can classify and react to it.
func (c *HTTPChatClient) ChatCompletion(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, TokenUsage, error) {
	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("ai: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("ai: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("ai: chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("ai: read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", TokenUsage{}, fmt.Errorf("ai: chat endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", TokenUsage{}, fmt.Errorf("ai: parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("ai: chat response carried no choices")
	}

	return parsed.Choices[0].Message.Content, TokenUsage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}, nil
}
