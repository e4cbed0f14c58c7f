package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"claude-bridge/types"
)

// A nil-encoder Counter is safe as long as every text field under test is
// empty: tokens() short-circuits before touching the encoder, letting
// these cases assert the per-block overhead arithmetic in isolation from
// the cl100k_base BPE table (which tiktoken-go loads from a remote rank
// file the test sandbox may not have network access to).
func blankCounter() *Counter { return NewCounter(nil) }

func TestCountMinimumIsOne(t *testing.T) {
	c := blankCounter()
	n, err := c.Count(types.TokenCountRequest{})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountPerMessageOverhead(t *testing.T) {
	c := blankCounter()
	req := types.TokenCountRequest{
		Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`""`)},
			{Role: "assistant", Content: json.RawMessage(`""`)},
		},
	}
	n, err := c.Count(req)
	assert.NoError(t, err)
	assert.Equal(t, 2*perMessageOverhead, n)
}

// sharedOrSkip returns the process Counter backed by the real cl100k_base
// encoder, skipping the test when the encoding's rank file (fetched by
// tiktoken-go on first use) isn't reachable from this sandbox.
func sharedOrSkip(t *testing.T) *Counter {
	t.Helper()
	c, err := Shared()
	if err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}
	return c
}

func TestCountToolUseOverhead(t *testing.T) {
	c := sharedOrSkip(t)
	blocks, _ := json.Marshal([]types.ContentBlock{
		{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "Tokyo"}},
	})
	req := types.TokenCountRequest{
		Messages: []types.Message{
			{Role: "assistant", Content: json.RawMessage(blocks)},
		},
	}
	n, err := c.Count(req)
	assert.NoError(t, err)
	// perMessageOverhead + perToolUseOverhead plus at least one token each
	// for the id, name, and JSON arguments.
	assert.Greater(t, n, perMessageOverhead+perToolUseOverhead)
}

func TestCountToolResultOverhead(t *testing.T) {
	c := sharedOrSkip(t)
	resultContent, _ := json.Marshal("sunny, 22C")
	blocks, _ := json.Marshal([]types.ContentBlock{
		{Type: "tool_result", ToolUseID: "call_1", Content: json.RawMessage(resultContent)},
	})
	req := types.TokenCountRequest{
		Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(blocks)},
		},
	}
	n, err := c.Count(req)
	assert.NoError(t, err)
	assert.Greater(t, n, perMessageOverhead+perToolResultOverhead)
}

func TestCountSystemFramingOverheadWithEmptyString(t *testing.T) {
	c := blankCounter()
	sys, _ := json.Marshal("")
	req := types.TokenCountRequest{System: sys}
	n, err := c.Count(req)
	assert.NoError(t, err)
	assert.Equal(t, systemFramingOverhead, n)
}

func TestCountToolDefinitionOverhead(t *testing.T) {
	c := blankCounter()
	req := types.TokenCountRequest{
		Tools: []types.Tool{{Name: "", Description: "", InputSchema: nil}},
	}
	n, err := c.Count(req)
	assert.NoError(t, err)
	assert.Equal(t, perToolDefOverhead, n)
}

func TestCountImageWithSmallData(t *testing.T) {
	c := blankCounter()
	small := &types.ImageSource{Type: "base64", Data: "YQ=="}
	assert.Equal(t, minImageTokens, c.countImage(small))
}

func TestCountImageWithoutData(t *testing.T) {
	c := blankCounter()
	assert.Equal(t, noDataImage, c.countImage(&types.ImageSource{Type: "url", URL: "https://example.com/x.png"}))
	assert.Equal(t, noDataImage, c.countImage(nil))
}

func TestCountImageScalesWithDataLength(t *testing.T) {
	c := blankCounter()
	data := make([]byte, bytesPerToken*200)
	for i := range data {
		data[i] = 'a'
	}
	n := c.countImage(&types.ImageSource{Type: "base64", Data: string(data)})
	assert.Equal(t, 200, n)
}
