package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartMessageIsIdempotent(t *testing.T) {
	b := New()
	first := b.StartMessage("msg_1", "claude-3-5-sonnet-20241022")
	second := b.StartMessage("msg_1", "claude-3-5-sonnet-20241022")

	assert.Len(t, first, 1)
	assert.Equal(t, "message_start", first[0].Type)
	assert.Empty(t, second)
}

func TestEnsureTextBlockOpensOnceAndReused(t *testing.T) {
	b := New()
	idx1, ev1 := b.EnsureTextBlock()
	idx2, ev2 := b.EnsureTextBlock()

	assert.Equal(t, idx1, idx2)
	assert.Len(t, ev1, 1)
	assert.Empty(t, ev2)
}

func TestSwitchingBlockKindClosesThenOpens(t *testing.T) {
	b := New()
	_, _ = b.EnsureTextBlock()
	_, events := b.EnsureThinkingBlock()

	require.Len(t, events, 2)
	assert.Equal(t, "content_block_stop", events[0].Type)
	assert.Equal(t, "content_block_start", events[1].Type)
}

func TestEmptyDeltaIsDropped(t *testing.T) {
	b := New()
	_, _ = b.EnsureTextBlock()
	events := b.EmitTextDelta("")
	assert.Empty(t, events)
}

func TestIndexesAssignedInOpenOrderNeverReused(t *testing.T) {
	b := New()
	idx0, _ := b.EnsureTextBlock()
	idxTool, _ := b.OpenToolBlock("call_1", "read_file")
	idx1, _ := b.EnsureTextBlock()

	assert.Equal(t, 0, idx0)
	assert.Equal(t, 1, idxTool)
	assert.Equal(t, 2, idx1)
}

func TestToolDeltaAccumulatesArgsBuf(t *testing.T) {
	b := New()
	idx, _ := b.OpenToolBlock("call_1", "read_file")
	ev1 := b.EmitToolDelta(idx, `{"path":`)
	ev2 := b.EmitToolDelta(idx, `"a.go"}`)

	require.Len(t, ev1, 1)
	require.Len(t, ev2, 1)
	assert.Equal(t, `{"path":`, ev1[0].Data["delta"].(map[string]any)["partial_json"])
	assert.Equal(t, b.current.argsBuf, `{"path":"a.go"}`)
}

func TestEveryOpenedIndexClosedExactlyOnceBeforeFinalize(t *testing.T) {
	b := New()
	b.StartMessage("msg_1", "m")
	b.EnsureTextBlock()
	b.EmitTextDelta("hello")
	idx, _ := b.OpenToolBlock("call_1", "tool")
	b.EmitToolDelta(idx, "{}")

	events := b.Finalize("tool_use", 10, 5)

	var closeCount int
	var sawMessageDelta, sawMessageStop bool
	for i, ev := range events {
		switch ev.Type {
		case "content_block_stop":
			closeCount++
		case "message_delta":
			sawMessageDelta = true
			assert.Equal(t, i, len(events)-2)
		case "message_stop":
			sawMessageStop = true
			assert.Equal(t, i, len(events)-1)
		}
	}
	assert.Equal(t, 1, closeCount)
	assert.True(t, sawMessageDelta)
	assert.True(t, sawMessageStop)
	assert.Nil(t, b.current)
}

func TestFinalizeWithNoOpenBlockStillEmitsDeltaAndStop(t *testing.T) {
	b := New()
	b.StartMessage("msg_1", "m")
	events := b.Finalize("end_turn", 1, 0)
	require.Len(t, events, 2)
	assert.Equal(t, "message_delta", events[0].Type)
	assert.Equal(t, "message_stop", events[1].Type)
}

func TestCancelClosesAndEndsTurn(t *testing.T) {
	b := New()
	b.StartMessage("msg_1", "m")
	b.EnsureTextBlock()
	events := b.Cancel(3, 2)

	var stopReasons []string
	for _, ev := range events {
		if ev.Type == "message_delta" {
			stopReasons = append(stopReasons, ev.Data["delta"].(map[string]any)["stop_reason"].(string))
		}
	}
	assert.Equal(t, []string{"end_turn"}, stopReasons)
}

func TestPingIsStandaloneEvent(t *testing.T) {
	events := New().Ping()
	require.Len(t, events, 1)
	assert.Equal(t, "ping", events[0].Type)
}

func TestErrorEventShape(t *testing.T) {
	ev := Error("overloaded_error", "upstream is overloaded")
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, "overloaded_error", ev.Data["error"].(map[string]any)["type"])
}
