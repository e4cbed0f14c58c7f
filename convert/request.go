// Package convert implements the Request Converter (C2) and Response
// Converter (C3): the bidirectional translation between the Anthropic
// "messages" wire shape and the OpenAI chat-completion shape.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/config"
	"claude-bridge/types"
)

// BuildRequest converts req into an OpenAI-format chat-completion body
// using settings for model normalization, sampling caps, and provider
// defaults. It mutates req.OriginalModel to the caller's label and
// rewrites req.Model to the provider-facing identifier, per the
// "model normalization" rule.
func BuildRequest(req *types.MessagesRequest, upstreamModel string, settings *config.ProviderSettings, stream bool) (*types.OpenAIRequest, error) {
	req.OriginalModel = req.Model
	req.Model = upstreamModel

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("converting messages: %w", err)
	}

	if sysMsg, ok, err := convertSystem(req.System); err != nil {
		return nil, fmt.Errorf("converting system prompt: %w", err)
	} else if ok {
		messages = append([]types.OpenAIMessage{sysMsg}, messages...)
	}

	maxTokens := req.MaxTokens
	if settings.Sampler.MaxTokens > 0 && (maxTokens == 0 || maxTokens > settings.Sampler.MaxTokens) {
		maxTokens = settings.Sampler.MaxTokens
	}

	out := &types.OpenAIRequest{
		Model:     upstreamModel,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	if req.Temperature != nil {
		out.Temperature = req.Temperature
	} else if settings.Sampler.Temperature != nil {
		out.Temperature = settings.Sampler.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	} else if settings.Sampler.TopP != nil {
		out.TopP = settings.Sampler.TopP
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
	}

	out.ExtraBody = buildExtraBody(req, settings)

	return out, nil
}

// convertMessages walks req.Messages in order, emitting one or more
// OpenAI messages per input message per spec §4.1.
func convertMessages(messages []types.Message) ([]types.OpenAIMessage, error) {
	var out []types.OpenAIMessage

	for _, msg := range messages {
		asString, isString := decodeStringContent(msg.Content)
		if isString {
			out = append(out, types.OpenAIMessage{Role: msg.Role, Content: asString})
			continue
		}

		var blocks []types.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return nil, fmt.Errorf("decoding %s message content: %w", msg.Role, err)
		}

		if msg.Role == "assistant" {
			out = append(out, convertAssistantBlocks(blocks))
			continue
		}

		userMsgs, err := convertUserBlocks(blocks)
		if err != nil {
			return nil, err
		}
		out = append(out, userMsgs...)
	}

	return out, nil
}

func decodeStringContent(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return "", false
}

// convertUserBlocks turns a user message's content blocks into one OpenAI
// user message (text concatenated, images as content-array entries) plus
// one "tool" role message per tool_result block.
func convertUserBlocks(blocks []types.ContentBlock) ([]types.OpenAIMessage, error) {
	var textParts []string
	var imageParts []types.OpenAIContentPart
	var toolMessages []types.OpenAIMessage

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "image":
			if b.Source != nil {
				imageParts = append(imageParts, types.OpenAIContentPart{
					Type:     "image_url",
					ImageURL: &types.OpenAIImageURL{URL: imageSourceURL(b.Source)},
				})
			}
		case "tool_result":
			toolMessages = append(toolMessages, types.OpenAIMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    toolResultString(b.Content),
			})
		}
	}

	var userMsg *types.OpenAIMessage
	switch {
	case len(imageParts) > 0:
		parts := make([]types.OpenAIContentPart, 0, len(imageParts)+1)
		if text := strings.Join(textParts, ""); text != "" {
			parts = append(parts, types.OpenAIContentPart{Type: "text", Text: text})
		}
		parts = append(parts, imageParts...)
		userMsg = &types.OpenAIMessage{Role: "user", Content: parts}
	case len(textParts) > 0:
		userMsg = &types.OpenAIMessage{Role: "user", Content: strings.Join(textParts, "")}
	}

	var out []types.OpenAIMessage
	if userMsg != nil {
		out = append(out, *userMsg)
	}
	out = append(out, toolMessages...)
	return out, nil
}

// convertAssistantBlocks concatenates text blocks into content and builds
// a tool_calls list from tool_use blocks. Thinking blocks are dropped:
// providers don't accept them back on the next turn.
func convertAssistantBlocks(blocks []types.ContentBlock) types.OpenAIMessage {
	var textParts []string
	var toolCalls []types.OpenAIToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			toolCalls = append(toolCalls, types.OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.OpenAIToolCallFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}

	return types.OpenAIMessage{
		Role:      "assistant",
		Content:   strings.Join(textParts, ""),
		ToolCalls: toolCalls,
	}
}

func imageSourceURL(src *types.ImageSource) string {
	if src.Type == "url" {
		return src.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
}

// toolResultString renders a tool_result block's content (string or block
// array) as the plain string an OpenAI tool message carries.
func toolResultString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s, ok := decodeStringContent(raw); ok {
		return s
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// convertSystem joins a string-or-block-list system prompt into a single
// OpenAI system message, inserted first.
func convertSystem(raw json.RawMessage) (types.OpenAIMessage, bool, error) {
	if len(raw) == 0 {
		return types.OpenAIMessage{}, false, nil
	}
	if s, ok := decodeStringContent(raw); ok {
		if s == "" {
			return types.OpenAIMessage{}, false, nil
		}
		return types.OpenAIMessage{Role: "system", Content: s}, true, nil
	}

	var blocks []types.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return types.OpenAIMessage{}, false, err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return types.OpenAIMessage{}, false, nil
	}
	return types.OpenAIMessage{Role: "system", Content: strings.Join(parts, "\n\n")}, true, nil
}

func convertTools(tools []types.Tool) []types.OpenAITool {
	out := make([]types.OpenAITool, len(tools))
	for i, t := range tools {
		out[i] = types.OpenAITool{
			Type: "function",
			Function: types.OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// buildExtraBody starts from request.extra_body, applies thinking hints
// (only when not already set by the caller), then layers in provider
// sampler defaults that are neither already present nor set to the
// provider's documented "unset" sentinel.
func buildExtraBody(req *types.MessagesRequest, settings *config.ProviderSettings) map[string]any {
	body := map[string]any{}
	for k, v := range req.ExtraBody {
		body[k] = v
	}

	if req.Thinking.IsEnabled() {
		setdefault(body, "thinking", map[string]any{"type": "enabled"})
		setdefault(body, "reasoning_split", true)
		setdefault(body, "chat_template_kwargs", map[string]any{
			"thinking":       true,
			"reasoning_split": true,
			"clear_thinking":  false,
		})
	}

	s := settings.Sampler
	if req.TopK != nil {
		body["top_k"] = *req.TopK
	} else if s.TopKIsSet() {
		setdefault(body, "top_k", *s.TopK)
	}
	if s.RepetitionPenalty != nil {
		setdefault(body, "repetition_penalty", *s.RepetitionPenalty)
	}
	if s.MinP != nil {
		setdefault(body, "min_p", *s.MinP)
	}
	if s.Seed != nil {
		setdefault(body, "seed", *s.Seed)
	}
	if s.ParallelToolCalls != nil {
		setdefault(body, "parallel_tool_calls", *s.ParallelToolCalls)
	}
	if s.ReasoningEffort != "" {
		setdefault(body, "reasoning_effort", s.ReasoningEffort)
	}

	if len(body) == 0 {
		return nil
	}
	return body
}

func setdefault(m map[string]any, key string, value any) {
	if _, exists := m[key]; !exists {
		m[key] = value
	}
}
