// Package sse builds the well-formed Anthropic-shaped event sequence for a
// streaming /v1/messages reply: message_start, interleaved
// content_block_start/delta/stop triplets, message_delta, message_stop.
// Builder is a pure state machine — it returns Events for a caller to
// write (see Writer), rather than owning a connection itself.
package sse

// Event is one `event: <Type>\ndata: <json>\n\n` frame.
type Event struct {
	Type string
	Data map[string]any
}

type blockKind string

const (
	blockText    blockKind = "text"
	blockThink   blockKind = "thinking"
	blockToolUse blockKind = "tool_use"
)

type openBlock struct {
	index int
	kind  blockKind
	toolID, toolName string
	argsBuf string
}

// Builder tracks open content blocks across a single reply and emits the
// Events spec.md's ordering invariant requires: indexes are assigned in
// open order, never reused, and each index is closed exactly once before
// finalize. A Builder is driven by a single pump and is not safe for
// concurrent use.
type Builder struct {
	started    bool
	nextIndex  int
	current    *openBlock
	outputTokens int64
}

// New creates a Builder with no blocks open.
func New() *Builder {
	return &Builder{}
}

// StartMessage emits message_start with empty content/usage. Idempotent:
// a second call is a no-op.
func (b *Builder) StartMessage(msgID, model string) []Event {
	if b.started {
		return nil
	}
	b.started = true
	return []Event{{
		Type: "message_start",
		Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		},
	}}
}

// EnsureTextBlock returns the open text block's index, opening one (and
// closing whatever was open) if the current block isn't already text.
func (b *Builder) EnsureTextBlock() (int, []Event) {
	return b.ensureBlock(blockText, map[string]any{"type": "text", "text": ""})
}

// EnsureThinkingBlock is EnsureTextBlock's thinking-block counterpart.
func (b *Builder) EnsureThinkingBlock() (int, []Event) {
	return b.ensureBlock(blockThink, map[string]any{"type": "thinking", "thinking": ""})
}

func (b *Builder) ensureBlock(kind blockKind, payload map[string]any) (int, []Event) {
	if b.current != nil && b.current.kind == kind {
		return b.current.index, nil
	}

	var events []Event
	events = append(events, b.closeCurrentEvents()...)

	index := b.nextIndex
	b.nextIndex++
	b.current = &openBlock{index: index, kind: kind}

	events = append(events, Event{
		Type: "content_block_start",
		Data: map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": payload,
		},
	})
	return index, events
}

// EmitTextDelta emits a text_delta for the currently open text block.
// Empty strings are silently dropped.
func (b *Builder) EmitTextDelta(s string) []Event {
	if s == "" || b.current == nil {
		return nil
	}
	return []Event{b.deltaEvent(b.current.index, map[string]any{"type": "text_delta", "text": s})}
}

// EmitThinkingDelta is EmitTextDelta's thinking counterpart.
func (b *Builder) EmitThinkingDelta(s string) []Event {
	if s == "" || b.current == nil {
		return nil
	}
	return []Event{b.deltaEvent(b.current.index, map[string]any{"type": "thinking_delta", "thinking": s})}
}

// OpenToolBlock closes the current block and opens a tool_use block.
func (b *Builder) OpenToolBlock(id, name string) (int, []Event) {
	var events []Event
	events = append(events, b.closeCurrentEvents()...)

	index := b.nextIndex
	b.nextIndex++
	b.current = &openBlock{index: index, kind: blockToolUse, toolID: id, toolName: name}

	events = append(events, Event{
		Type: "content_block_start",
		Data: map[string]any{
			"type":  "content_block_start",
			"index": index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{},
			},
		},
	})
	return index, events
}

// EmitToolDelta appends chunk to the open tool block's argument buffer and
// emits an input_json_delta carrying the same chunk. index must match the
// currently open tool block.
func (b *Builder) EmitToolDelta(index int, chunk string) []Event {
	if b.current == nil || b.current.index != index || b.current.kind != blockToolUse {
		return nil
	}
	b.current.argsBuf += chunk
	return []Event{b.deltaEvent(index, map[string]any{"type": "input_json_delta", "partial_json": chunk})}
}

func (b *Builder) deltaEvent(index int, delta map[string]any) Event {
	return Event{
		Type: "content_block_delta",
		Data: map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": delta,
		},
	}
}

// CloseCurrent closes the open block, if any, emitting content_block_stop.
func (b *Builder) CloseCurrent() []Event {
	return b.closeCurrentEvents()
}

func (b *Builder) closeCurrentEvents() []Event {
	if b.current == nil {
		return nil
	}
	index := b.current.index
	b.current = nil
	return []Event{{
		Type: "content_block_stop",
		Data: map[string]any{"type": "content_block_stop", "index": index},
	}}
}

// Ping emits a standalone heartbeat event.
func (b *Builder) Ping() []Event {
	return []Event{{Type: "ping", Data: map[string]any{"type": "ping"}}}
}

// Finalize closes any open block, emits message_delta carrying stopReason
// and usage, then message_stop.
func (b *Builder) Finalize(stopReason string, inputTokens, outputTokens int) []Event {
	var events []Event
	events = append(events, b.closeCurrentEvents()...)
	events = append(events, Event{
		Type: "message_delta",
		Data: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
		},
	})
	events = append(events, Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}})
	return events
}

// Cancel closes the current block and finalizes the stream as an
// end_turn with partial/zeroed usage, matching the behavior a client
// disconnect or branch cancellation triggers.
func (b *Builder) Cancel(inputTokens, outputTokens int) []Event {
	return b.Finalize("end_turn", inputTokens, outputTokens)
}

// Error emits a standalone error event, used mid-stream for upstream
// failures (spec §7) without going through Finalize.
func Error(kind, message string) Event {
	return Event{
		Type: "error",
		Data: map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    kind,
				"message": message,
			},
		},
	}
}
