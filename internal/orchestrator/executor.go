package orchestrator

import (
	"context"
	"strings"

	"forge/internal/logging"
	"forge/internal/types"
)

const defaultMaxToolCalls = 12

// Messages surfaced to the user when generation degrades. Tool mutations
// applied before the failure are deliberately kept; each tool call is
// idempotent, so there is nothing to roll back.
const (
	msgMidResponseError = "\n\n---\n⚠️ I encountered an error mid-response. What I've shared above is still valid. Please try sending your next message and I'll continue."
	msgTemporaryIssue   = "I hit a temporary issue processing your message. Your conversation is preserved. Please try again."
	msgEmptyResponse    = "I processed your input but couldn't generate a visible response. This usually means the analysis was very detailed. Please try asking a follow-up question."
)

// ExecResult is what one phase-B run produced.
type ExecResult struct {
	Text             string
	SummaryUpdated   bool
	ArtifactRendered bool
}

// Executor runs the heavy phase-B generation with its tool loop.
type Executor struct {
	llm          types.LLMClient
	maxToolCalls int
}

// NewExecutor builds an executor over the main-model client.
func NewExecutor(llm types.LLMClient, maxToolCalls int) *Executor {
	if maxToolCalls <= 0 {
		maxToolCalls = defaultMaxToolCalls
	}
	return &Executor{llm: llm, maxToolCalls: maxToolCalls}
}

// Execute runs the tool loop until the model stops calling tools or the
// iteration bound is hit. Tool results feed back into the next
// iteration; generate_artifact is the one exception, whose output goes
// to the user while the model sees only an acknowledgment.
func (e *Executor) Execute(ctx context.Context, prompt string, d *Dispatcher) ExecResult {
	timer := logging.StartTimer(logging.CategoryExecutor, "phase B execute")
	defer timer.Stop()

	messages := []types.Message{types.UserText(prompt)}
	tools := ToolDefinitions()

	var result ExecResult
	var finalText strings.Builder

	for iteration := 0; iteration < e.maxToolCalls; iteration++ {
		resp, err := e.llm.CompleteWithTools(ctx, systemPrompt, messages, tools)
		if err != nil {
			logging.Executor("phase B call failed on iteration %d: %v", iteration, err)
			if finalText.Len() > 0 {
				finalText.WriteString(msgMidResponseError)
			} else {
				finalText.WriteString(msgTemporaryIssue)
			}
			result.Text = finalText.String()
			return result
		}

		if resp.Text != "" {
			finalText.WriteString(resp.Text)
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		results := make([]types.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			res := d.Handle(call)

			switch {
			case call.Name == ToolGenerateArtifact && !res.IsError && !strings.HasPrefix(res.Content, "WARNING:"):
				// Rendered artifact goes straight to the user. The
				// model must not re-narrate several hundred lines of
				// its own document.
				finalText.WriteString("\n\n")
				finalText.WriteString(res.Content)
				res.Content = "Artifact rendered and displayed to user."
				result.ArtifactRendered = true
			case call.Name == ToolUpdateSummary && !res.IsError:
				result.SummaryUpdated = true
			}
			results = append(results, res)
		}

		messages = append(messages, types.AssistantTurn(resp), types.ToolResultsMessage(results))

		if iteration == e.maxToolCalls-1 {
			logging.ExecutorWarn("tool loop hit iteration bound (%d), stopping", e.maxToolCalls)
		}
	}

	result.Text = finalText.String()
	if strings.TrimSpace(result.Text) == "" {
		logging.ExecutorWarn("phase B returned empty response, likely token exhaustion from tool calls")
		result.Text = msgEmptyResponse
	}
	return result
}
