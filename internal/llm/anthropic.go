// Package llm implements the generation service boundary as a typed HTTP
// client for the Anthropic Messages API, including multi-tool responses
// and tool-result continuations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"forge/internal/logging"
	"forge/internal/types"
)

// AnthropicClient implements types.LLMClient against the Anthropic API.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-sonnet-4-5-20250514",
		Timeout: 5 * time.Minute,
	}
}

// NewAnthropicClient creates a client with default configuration.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return NewAnthropicClientWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicClientWithConfig creates a client with custom configuration.
func NewAnthropicClientWithConfig(config AnthropicConfig) *AnthropicClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &AnthropicClient{
		apiKey:    config.APIKey,
		baseURL:   config.BaseURL,
		model:     config.Model,
		maxTokens: 8192,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// SetModel changes the model used for completions.
func (c *AnthropicClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// Complete sends a prompt and returns the completion.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *AnthropicClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.send(ctx, systemPrompt, []AnthropicMessage{{Role: "user", Content: userPrompt}}, nil)
	if err != nil {
		return "", err
	}

	var result strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(result.String()), nil
}

// CompleteWithTools sends a message history with tool definitions and
// returns the parsed text and tool calls.
func (c *AnthropicClient) CompleteWithTools(ctx context.Context, systemPrompt string, messages []types.Message, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	anthropicTools := make([]AnthropicTool, len(tools))
	for i, t := range tools {
		anthropicTools[i] = AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}

	resp, err := c.send(ctx, systemPrompt, convertMessages(messages), anthropicTools)
	if err != nil {
		return nil, err
	}

	result := &types.ToolResponse{
		StopReason: resp.StopReason,
		Usage: types.UsageMetadata{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var textBuilder strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBuilder.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	result.Text = strings.TrimSpace(textBuilder.String())

	logging.API("[Anthropic] tools response: text_len=%d tool_calls=%d stop_reason=%s",
		len(result.Text), len(result.ToolCalls), result.StopReason)
	return result, nil
}

// send performs one Messages API call with rate spacing and a bounded
// retry loop for 429s and transport failures.
func (c *AnthropicClient) send(ctx context.Context, systemPrompt string, messages []AnthropicMessage, tools []AnthropicTool) (*AnthropicResponse, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	startTime := time.Now()
	logging.APIDebug("[Anthropic] send: model=%s messages=%d tools=%d system_len=%d",
		c.model, len(messages), len(tools), len(systemPrompt))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := AnthropicRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		Messages:    messages,
		Tools:       tools,
		Temperature: 0.1,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
			logging.APIWarn("[Anthropic] retryable status %d (attempt %d/%d)", resp.StatusCode, i+1, maxRetries+1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			logging.APIError("[Anthropic] send: API returned status %d", resp.StatusCode)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var anthropicResp AnthropicResponse
		if err := json.Unmarshal(body, &anthropicResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if anthropicResp.Error != nil {
			return nil, fmt.Errorf("API error: %s", anthropicResp.Error.Message)
		}
		if len(anthropicResp.Content) == 0 {
			return nil, fmt.Errorf("no completion returned")
		}

		logging.API("[Anthropic] send: completed in %v", time.Since(startTime))
		return &anthropicResp, nil
	}

	logging.APIError("[Anthropic] send: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// convertMessages maps the engine's structured messages onto Anthropic's
// wire shape. Plain single-text messages collapse to a string content.
func convertMessages(messages []types.Message) []AnthropicMessage {
	out := make([]AnthropicMessage, len(messages))
	for i, m := range messages {
		if len(m.Blocks) == 1 && m.Blocks[0].Type == "text" {
			out[i] = AnthropicMessage{Role: m.Role, Content: m.Blocks[0].Text}
			continue
		}

		blocks := make([]AnthropicContentBlock, len(m.Blocks))
		for j, b := range m.Blocks {
			blocks[j] = AnthropicContentBlock{
				Type:      b.Type,
				Text:      b.Text,
				ID:        b.ID,
				Name:      b.Name,
				Input:     b.Input,
				ToolUseID: b.ToolUseID,
				Content:   b.Content,
				IsError:   b.IsError,
			}
		}
		out[i] = AnthropicMessage{Role: m.Role, Content: blocks}
	}
	return out
}
