// Package types holds the wire-format structs for both sides of the gateway:
// the Anthropic-shaped "messages" API clients speak, and the OpenAI
// chat-completion shape upstream providers speak.
package types

import "encoding/json"

// MessagesRequest is the ingress body for POST /v1/messages.
//
// Content is deliberately permissive where Claude-family clients are: System
// and each Message's Content may arrive as either a bare string or an
// ordered list of content blocks, so both fields are decoded as
// json.RawMessage and normalized by the convert package rather than by this
// struct's json tags.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    map[string]any  `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Stream        *bool           `json:"stream,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	ExtraBody     map[string]any  `json:"extra_body,omitempty"`

	// OriginalModel is populated on entry with the caller's label, before
	// Model is rewritten to the provider-facing identifier.
	OriginalModel string `json:"-"`
}

// WantsStream reports whether the caller asked for SSE streaming. The
// Anthropic API defaults Stream to true when omitted.
func (r *MessagesRequest) WantsStream() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}

// ThinkingConfig accepts both shapes observed from clients: the boolean
// `{enabled: bool}` form and the discriminated `{type: "enabled"|"disabled"}`
// form.
type ThinkingConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Type    string `json:"type,omitempty"`
}

// IsEnabled resolves either representation to a single boolean.
func (t *ThinkingConfig) IsEnabled() bool {
	if t == nil {
		return false
	}
	if t.Type != "" {
		return t.Type == "enabled"
	}
	if t.Enabled != nil {
		return *t.Enabled
	}
	return false
}

// Message is one turn of the conversation. Content is either a JSON string
// or an ordered array of ContentBlock, decoded lazily so the converter can
// tell the two shapes apart without losing information.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is the union of every block shape the wire protocol carries.
// Only the fields relevant to a block's Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageSource describes an inline or referenced image attachment.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool is an Anthropic tool (function) definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage reports token accounting. Counts are estimates, not billing-grade.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// MessagesResponse is the non-streaming egress shape for POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// TokenCountRequest is the body of POST /v1/messages/count_tokens.
type TokenCountRequest struct {
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages"`
	System     json.RawMessage `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	Thinking   *ThinkingConfig `json:"thinking,omitempty"`
	ToolChoice map[string]any  `json:"tool_choice,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// TokenCountResponse is the reply to POST /v1/messages/count_tokens.
type TokenCountResponse struct {
	InputTokens int `json:"input_tokens"`
}
