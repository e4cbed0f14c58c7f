package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/types"
)

func finishReason(s string) *string { return &s }

func TestConvertResponsePlainTextHappyPath(t *testing.T) {
	resp := &types.OpenAIResponse{
		ID: "chatcmpl-1",
		Choices: []types.OpenAIChoice{{
			Message:      types.OpenAIResponseMessage{Role: "assistant", Content: "hi there"},
			FinishReason: finishReason("stop"),
		}},
		Usage: types.OpenAIUsage{PromptTokens: 10, CompletionTokens: 3},
	}

	out := ConvertResponse(resp, "claude-3-5-sonnet-20241022")
	assert.Equal(t, "chatcmpl-1", out.ID)
	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Model)
	assert.Equal(t, "end_turn", out.StopReason)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "hi there", out.Content[0].Text)
	assert.Equal(t, 10, out.Usage.InputTokens)
	assert.Equal(t, 3, out.Usage.OutputTokens)
}

func TestConvertResponseMissingIDMintsOne(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{Message: types.OpenAIResponseMessage{Content: "x"}, FinishReason: finishReason("stop")}},
	}
	out := ConvertResponse(resp, "m")
	assert.Contains(t, out.ID, "msg_")
}

func TestConvertResponseReasoningContentBecomesLeadingThinkingBlock(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message: types.OpenAIResponseMessage{
				Content:          "final answer",
				ReasoningContent: "step by step reasoning",
			},
			FinishReason: finishReason("stop"),
		}},
	}

	out := ConvertResponse(resp, "m")
	require.Len(t, out.Content, 2)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "step by step reasoning", out.Content[0].Thinking)
	assert.Equal(t, "text", out.Content[1].Type)
	assert.Equal(t, "final answer", out.Content[1].Text)
}

func TestConvertResponseInlineThinkTagSplit(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message:      types.OpenAIResponseMessage{Content: "<think>pondering</think>the answer"},
			FinishReason: finishReason("stop"),
		}},
	}

	out := ConvertResponse(resp, "m")
	require.Len(t, out.Content, 2)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "pondering", out.Content[0].Thinking)
	assert.Equal(t, "text", out.Content[1].Type)
	assert.Equal(t, "the answer", out.Content[1].Text)
}

func TestConvertResponseToolCallRoundTrip(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message: types.OpenAIResponseMessage{
				ToolCalls: []types.OpenAIToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: types.OpenAIToolCallFunction{
						Name:      "read_file",
						Arguments: `{"path":"a.go"}`,
					},
				}},
			},
			FinishReason: finishReason("tool_calls"),
		}},
	}

	out := ConvertResponse(resp, "m")
	require.Len(t, out.Content, 1)
	assert.Equal(t, "tool_use", out.Content[0].Type)
	assert.Equal(t, "read_file", out.Content[0].Name)
	assert.Equal(t, "a.go", out.Content[0].Input["path"])
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestConvertResponseMalformedToolArgumentsFallBackToRaw(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message: types.OpenAIResponseMessage{
				ToolCalls: []types.OpenAIToolCall{{
					Function: types.OpenAIToolCallFunction{Name: "weird", Arguments: `not json`},
				}},
			},
			FinishReason: finishReason("tool_calls"),
		}},
	}

	out := ConvertResponse(resp, "m")
	assert.Equal(t, "not json", out.Content[0].Input["_raw"])
}

func TestConvertResponseSubagentBackgroundTaskForcedFalse(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message: types.OpenAIResponseMessage{
				ToolCalls: []types.OpenAIToolCall{{
					Function: types.OpenAIToolCallFunction{
						Name:      "Task",
						Arguments: `{"description":"do work","run_in_background":true}`,
					},
				}},
			},
			FinishReason: finishReason("tool_calls"),
		}},
	}

	out := ConvertResponse(resp, "m")
	assert.Equal(t, false, out.Content[0].Input["run_in_background"])
}

func TestConvertResponseEmptyContentGuardedWithSingleSpace(t *testing.T) {
	resp := &types.OpenAIResponse{
		Choices: []types.OpenAIChoice{{
			Message:      types.OpenAIResponseMessage{Content: ""},
			FinishReason: finishReason("stop"),
		}},
	}

	out := ConvertResponse(resp, "m")
	require.Len(t, out.Content, 1)
	assert.Equal(t, " ", out.Content[0].Text)
}

func TestConvertResponseStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "end_turn",
		"something_new":  "end_turn",
	}
	for upstream, want := range cases {
		resp := &types.OpenAIResponse{
			Choices: []types.OpenAIChoice{{
				Message:      types.OpenAIResponseMessage{Content: "x"},
				FinishReason: finishReason(upstream),
			}},
		}
		out := ConvertResponse(resp, "m")
		assert.Equal(t, want, out.StopReason, "upstream=%s", upstream)
	}
}

func TestConvertResponseNoChoicesStillProducesValidMessage(t *testing.T) {
	resp := &types.OpenAIResponse{}
	out := ConvertResponse(resp, "m")
	require.Len(t, out.Content, 1)
	assert.Equal(t, "end_turn", out.StopReason)
}
