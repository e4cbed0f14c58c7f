package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/config"
	"claude-bridge/types"
)

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func rawBlocks(blocks []types.ContentBlock) json.RawMessage {
	b, _ := json.Marshal(blocks)
	return b
}

func settingsWithMaxTokens(max int) *config.ProviderSettings {
	return &config.ProviderSettings{Name: "nim", DefaultModel: "meta/llama-3.1-70b-instruct", Sampler: config.SamplerDefaults{MaxTokens: max}}
}

func TestBuildRequestSimpleTextMessage(t *testing.T) {
	req := &types.MessagesRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []types.Message{{Role: "user", Content: rawString("hello there")}},
	}

	out, err := BuildRequest(req, "meta/llama-3.1-70b-instruct", settingsWithMaxTokens(0), false)
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet-20241022", req.OriginalModel)
	assert.Equal(t, "meta/llama-3.1-70b-instruct", out.Model)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "hello there", out.Messages[0].Content)
}

func TestBuildRequestSystemPromptInsertedFirst(t *testing.T) {
	req := &types.MessagesRequest{
		Model:    "m",
		System:   rawString("be terse"),
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", out.Messages[0].Content)
}

func TestBuildRequestSystemBlockListJoinedWithBlankLines(t *testing.T) {
	sys := []types.ContentBlock{{Type: "text", Text: "first"}, {Type: "text", Text: "second"}}
	req := &types.MessagesRequest{
		Model:    "m",
		System:   rawBlocks(sys),
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", out.Messages[0].Content)
}

func TestBuildRequestAssistantToolUseBecomesToolCalls(t *testing.T) {
	blocks := []types.ContentBlock{
		{Type: "text", Text: "let me check"},
		{Type: "tool_use", ID: "call_1", Name: "read_file", Input: map[string]any{"path": "a.go"}},
	}
	req := &types.MessagesRequest{
		Model: "m",
		Messages: []types.Message{
			{Role: "assistant", Content: rawBlocks(blocks)},
		},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	msg := out.Messages[0]
	assert.Equal(t, "let me check", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "read_file", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"path":"a.go"}`, msg.ToolCalls[0].Function.Arguments)
}

func TestBuildRequestToolResultBecomesToolMessage(t *testing.T) {
	blocks := []types.ContentBlock{
		{Type: "tool_result", ToolUseID: "call_1", Content: rawString("42")},
	}
	req := &types.MessagesRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "user", Content: rawBlocks(blocks)}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "tool", out.Messages[0].Role)
	assert.Equal(t, "call_1", out.Messages[0].ToolCallID)
	assert.Equal(t, "42", out.Messages[0].Content)
}

func TestBuildRequestThinkingBlockDroppedFromOutboundAssistantMessage(t *testing.T) {
	blocks := []types.ContentBlock{
		{Type: "thinking", Thinking: "internal reasoning"},
		{Type: "text", Text: "the answer"},
	}
	req := &types.MessagesRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "assistant", Content: rawBlocks(blocks)}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	assert.Equal(t, "the answer", out.Messages[0].Content)
}

func TestBuildRequestMaxTokensCappedByProvider(t *testing.T) {
	req := &types.MessagesRequest{
		Model:     "m",
		MaxTokens: 8000,
		Messages:  []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(4096), false)
	require.NoError(t, err)
	assert.Equal(t, 4096, out.MaxTokens)
}

func TestBuildRequestToolsMapToFunctionShape(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "m",
		Tools: []types.Tool{{
			Name:        "read_file",
			Description: "reads a file",
			InputSchema: map[string]any{"type": "object"},
		}},
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "read_file", out.Tools[0].Function.Name)
}

func TestBuildRequestThinkingEnabledSetsExtraBodyDefaults(t *testing.T) {
	enabled := true
	req := &types.MessagesRequest{
		Model:    "m",
		Thinking: &types.ThinkingConfig{Enabled: &enabled},
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	require.NotNil(t, out.ExtraBody)
	assert.Equal(t, map[string]any{"type": "enabled"}, out.ExtraBody["thinking"])
}

func TestBuildRequestExtraBodyCallerValuesWin(t *testing.T) {
	req := &types.MessagesRequest{
		Model:     "m",
		ExtraBody: map[string]any{"reasoning_split": false},
		Thinking:  &types.ThinkingConfig{Type: "enabled"},
		Messages:  []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	assert.Equal(t, false, out.ExtraBody["reasoning_split"])
}

func TestBuildRequestProviderTopKDefaultAppliedWhenUnset(t *testing.T) {
	topK := 40
	settings := settingsWithMaxTokens(0)
	settings.Sampler.TopK = &topK
	req := &types.MessagesRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settings, false)
	require.NoError(t, err)
	assert.Equal(t, 40, out.ExtraBody["top_k"])
}

func TestBuildRequestRequestLevelTopKWinsOverProviderDefault(t *testing.T) {
	providerTopK := 40
	settings := settingsWithMaxTokens(0)
	settings.Sampler.TopK = &providerTopK
	callerTopK := 7
	req := &types.MessagesRequest{
		Model:    "m",
		TopK:     &callerTopK,
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settings, false)
	require.NoError(t, err)
	assert.Equal(t, 7, out.ExtraBody["top_k"])
}

func TestBuildRequestProviderTopKIgnoredWhenSentinel(t *testing.T) {
	ignore := config.IgnoreTopK
	settings := settingsWithMaxTokens(0)
	settings.Sampler.TopK = &ignore
	req := &types.MessagesRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "user", Content: rawString("hi")}},
	}

	out, err := BuildRequest(req, "up", settings, false)
	require.NoError(t, err)
	assert.Nil(t, out.ExtraBody)
}

func TestBuildRequestImageBlockBecomesImageURL(t *testing.T) {
	blocks := []types.ContentBlock{
		{Type: "text", Text: "what is this"},
		{Type: "image", Source: &types.ImageSource{Type: "base64", MediaType: "image/png", Data: "Zm9v"}},
	}
	req := &types.MessagesRequest{
		Model:    "m",
		Messages: []types.Message{{Role: "user", Content: rawBlocks(blocks)}},
	}

	out, err := BuildRequest(req, "up", settingsWithMaxTokens(0), false)
	require.NoError(t, err)
	parts, ok := out.Messages[0].Content.([]types.OpenAIContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/png;base64,Zm9v", parts[1].ImageURL.URL)
}
