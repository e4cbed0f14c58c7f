package convert

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"claude-bridge/think"
	"claude-bridge/types"
)

// interceptedTools are tool names whose run_in_background argument gets
// forced false before the call reaches the client: a background subagent
// task has no channel back to the gateway that spawned it, so letting one
// through leaves it orphaned.
var interceptedTools = map[string]bool{
	"Task": true,
}

// ConvertResponse turns a non-streaming OpenAI chat-completion response
// into the Anthropic-shaped MessagesResponse, per spec §4.2.
func ConvertResponse(resp *types.OpenAIResponse, originalModel string) types.MessagesResponse {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	out := types.MessagesResponse{
		ID:    id,
		Type:  "message",
		Role:  "assistant",
		Model: originalModel,
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	var choice types.OpenAIChoice
	if len(resp.Choices) > 0 {
		choice = resp.Choices[0]
	}

	out.Content = convertChoiceContent(choice.Message)
	out.StopReason = mapStopReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0)

	return out
}

// convertChoiceContent builds the content block list for one choice: a
// leading thinking block (from reasoning fields or an inline <think> tag),
// a text block for any remaining content, and a tool_use block per tool
// call.
func convertChoiceContent(msg types.OpenAIResponseMessage) []types.ContentBlock {
	var blocks []types.ContentBlock

	thinking, text := extractThinking(msg)
	if thinking != "" {
		blocks = append(blocks, types.ContentBlock{Type: "thinking", Thinking: thinking})
	}
	if text != "" {
		blocks = append(blocks, types.ContentBlock{Type: "text", Text: text})
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, convertToolCall(tc))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, types.ContentBlock{Type: "text", Text: " "})
	}

	return blocks
}

// extractThinking resolves the reasoning content from whichever channel the
// upstream used: an explicit reasoning_content/reasoning_details field
// takes priority; otherwise an inline <think>...</think> tag in content, if
// any, is split out.
func extractThinking(msg types.OpenAIResponseMessage) (thinking, text string) {
	if msg.ReasoningContent != "" {
		return msg.ReasoningContent, msg.Content
	}
	if len(msg.ReasoningDetails) > 0 {
		var parts []string
		for _, d := range msg.ReasoningDetails {
			if d.Text != "" {
				parts = append(parts, d.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ""), msg.Content
		}
	}

	p := think.New()
	chunks := append(p.Feed(msg.Content), p.Finalize()...)

	var thinkParts, textParts []string
	for _, c := range chunks {
		if c.Kind == think.THINK {
			thinkParts = append(thinkParts, c.Text)
		} else {
			textParts = append(textParts, c.Text)
		}
	}
	return strings.Join(thinkParts, ""), strings.Join(textParts, "")
}

// convertToolCall turns one OpenAI tool call into a tool_use block,
// JSON-parsing its arguments with a raw-string fallback for malformed JSON,
// and applies the subagent background-task interception.
func convertToolCall(tc types.OpenAIToolCall) types.ContentBlock {
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}

	input := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]any{"_raw": tc.Function.Arguments}
		}
	}

	if interceptedTools[tc.Function.Name] {
		if bg, ok := input["run_in_background"]; ok {
			if b, ok := bg.(bool); ok && b {
				input["run_in_background"] = false
			}
		}
	}

	return types.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  tc.Function.Name,
		Input: input,
	}
}

// mapStopReason translates an OpenAI finish_reason into the Anthropic
// stop_reason vocabulary.
func mapStopReason(finishReason *string, hasToolCalls bool) string {
	return MapStopReason(finishReason, hasToolCalls)
}

// MapStopReason is mapStopReason's exported form, reused by the provider
// adapter's streaming pipeline so both the non-streaming and streaming
// paths apply the exact same finish_reason vocabulary (spec §4.2/§4.6).
func MapStopReason(finishReason *string, hasToolCalls bool) string {
	if finishReason == nil {
		if hasToolCalls {
			return "tool_use"
		}
		return "end_turn"
	}
	switch *finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}
