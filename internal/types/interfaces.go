package types

import (
	"context"
)

// LLMClient defines the interface for generation backends.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// CompleteWithTools sends a message history with tool definitions and
	// returns the response with any tool calls. The history may contain
	// assistant tool-use blocks and user tool-result blocks from earlier
	// iterations of the same loop.
	CompleteWithTools(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*ToolResponse, error)
}

// ToolDefinition describes a tool that the LLM can invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"` // JSON Schema for parameters
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string                 `json:"id"`    // Unique ID for this tool use
	Name  string                 `json:"name"`  // Tool name to invoke
	Input map[string]interface{} `json:"input"` // Tool arguments
}

// ToolResult carries the outcome of one executed tool call back to the LLM.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// UsageMetadata captures token usage metrics from the LLM.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolResponse contains both text and tool calls from one generation pass.
type ToolResponse struct {
	Text       string        `json:"text"`        // Text response (may be empty if only tool calls)
	ToolCalls  []ToolCall    `json:"tool_calls"`  // Tool invocations requested by LLM
	StopReason string        `json:"stop_reason"` // "end_turn", "tool_use", etc.
	Usage      UsageMetadata `json:"usage"`       // Token usage metrics
}

// ContentBlock is one element of a structured message. Type is "text",
// "tool_use", or "tool_result".
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// Message is one entry of a generation request history.
type Message struct {
	Role   string         `json:"role"` // "user" or "assistant"
	Blocks []ContentBlock `json:"blocks"`
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: "user", Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

// AssistantTurn rebuilds the assistant message for a tool-loop
// continuation: the text the model produced plus its tool-use blocks.
func AssistantTurn(resp *ToolResponse) Message {
	var blocks []ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	return Message{Role: "assistant", Blocks: blocks}
}

// ToolResultsMessage packs executed tool results into the user message that
// continues a tool loop.
func ToolResultsMessage(results []ToolResult) Message {
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, ContentBlock{
			Type:      "tool_result",
			ToolUseID: r.ToolUseID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	return Message{Role: "user", Blocks: blocks}
}
