package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"tool_broker/internal/instrument"
	"tool_broker/internal/utils"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4096

// OpenAIClient calls an OpenAI-compatible API with one credential.
// It serves as an instrument.ChatClient and an instrument.Embedder.
type OpenAIClient struct {
	providerID string
	baseURL    string
	token      string
	http       *http.Client
	logger     *utils.Logger
}

var (
	_ instrument.ChatClient = (*OpenAIClient)(nil)
	_ instrument.Embedder   = (*OpenAIClient)(nil)
)

func (c *OpenAIClient) Chat() instrument.ChatNamespace {
	return chatNamespace{c}
}

type chatNamespace struct{ c *OpenAIClient }

func (n chatNamespace) Completions() instrument.ChatCompletions {
	return chatCompletions(n)
}

type chatCompletions struct{ c *OpenAIClient }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage usageInfo `json:"usage"`
}

// Create sends a chat completion request
func (cc chatCompletions) Create(ctx context.Context, req instrument.ChatCompletionRequest) (*instrument.ChatCompletion, error) {
	body := chatRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}

	var resp chatResponse
	if err := cc.c.post(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}

	completion := &instrument.ChatCompletion{ID: resp.ID, Usage: resp.Usage.tokens()}
	if len(resp.Choices) > 0 {
		completion.Content = resp.Choices[0].Message.Content
	}
	return completion, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage usageInfo `json:"usage"`
}

// Embed requests one vector per input, returned in input order
func (c *OpenAIClient) Embed(ctx context.Context, req instrument.EmbeddingRequest) (*instrument.Embedding, error) {
	var resp embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: req.Model, Input: req.Input}, &resp); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(req.Input))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%s returned embedding index %d for %d inputs", c.providerID, d.Index, len(req.Input))
		}
		vectors[d.Index] = d.Embedding
	}
	return &instrument.Embedding{Vectors: vectors, Usage: resp.Usage.tokens()}, nil
}

// ValidateCredentials lists models to check the credential is accepted
func (c *OpenAIClient) ValidateCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq, nil)
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *OpenAIClient) do(httpReq *http.Request, out any) error {
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.providerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("Provider request failed", "provider_id", c.providerID, "path", httpReq.URL.Path, "status", resp.StatusCode)
		return &APIError{ProviderID: c.providerID, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.providerID, err)
	}
	return nil
}

// usageInfo accepts both the chat field names (prompt/completion) and the
// newer input/output names.
type usageInfo struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	SearchTokens     int `json:"search_tokens"`
}

func (u usageInfo) tokens() instrument.TokenUsage {
	tokens := instrument.TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		SearchTokens: u.SearchTokens,
	}
	if tokens.InputTokens == 0 {
		tokens.InputTokens = u.PromptTokens
	}
	if tokens.OutputTokens == 0 {
		tokens.OutputTokens = u.CompletionTokens
	}
	return tokens
}
