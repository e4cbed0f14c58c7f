// Package toolparse recovers tool calls a model emitted as inline text
// instead of a structured tool_calls field, a quirk of small or
// fine-tuned models. Recovery is opt-in: the provider adapter only
// invokes it when a caller's provider configuration enables it.
package toolparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ToolCall is a recovered tool invocation plus the span of the original
// text it was extracted from, so the caller can remove it from the
// stream.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any

	MatchStart int
	MatchEnd   int
}

// ParseError describes a recognized tool-call frame whose body failed to
// parse. Per spec, this is never silently dropped: the caller appends a
// trailing text block describing it and still ends the turn normally.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed tool call frame: %v", e.Err)
}

var (
	fencedPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	invokePattern = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	paramPattern  = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
	bareJSONLine  = regexp.MustCompile(`(?m)^\s*(\{.*\})\s*$`)
)

// Parse scans text for the first recognized tool-call pattern, in the
// priority order spec §4.5 defines: fenced <tool_call> JSON, XML-like
// <invoke>, then a bare JSON object on its own line. It returns at most
// one ToolCall per call so the caller can remove the matched span and
// re-scan the remainder for further calls.
//
// A recognized frame whose body fails to parse returns a *ParseError
// instead of a ToolCall; the match span is still populated so the caller
// can strip the malformed frame from the stream.
func Parse(text string) (*ToolCall, *ParseError, bool) {
	if call, perr, ok := parseFenced(text); ok || perr != nil {
		return call, perr, ok
	}
	if call, perr, ok := parseInvoke(text); ok || perr != nil {
		return call, perr, ok
	}
	if call, perr, ok := parseBareJSON(text); ok || perr != nil {
		return call, perr, ok
	}
	return nil, nil, false
}

func parseFenced(text string) (*ToolCall, *ParseError, bool) {
	loc := fencedPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, nil, false
	}
	body := text[loc[2]:loc[3]]

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return &ToolCall{MatchStart: loc[0], MatchEnd: loc[1]}, &ParseError{Frame: text[loc[0]:loc[1]], Err: err}, false
	}

	name, _ := raw["name"].(string)
	args, ok := raw["arguments"].(map[string]any)
	if !ok {
		args, _ = raw["input"].(map[string]any)
	}
	if name == "" {
		err := fmt.Errorf("missing required field %q", "name")
		return &ToolCall{MatchStart: loc[0], MatchEnd: loc[1]}, &ParseError{Frame: text[loc[0]:loc[1]], Err: err}, false
	}

	return &ToolCall{
		ID:         mintID(),
		Name:       name,
		Input:      args,
		MatchStart: loc[0],
		MatchEnd:   loc[1],
	}, nil, true
}

func parseInvoke(text string) (*ToolCall, *ParseError, bool) {
	loc := invokePattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, nil, false
	}
	name := text[loc[2]:loc[3]]
	body := text[loc[4]:loc[5]]

	params := map[string]any{}
	for _, m := range paramPattern.FindAllStringSubmatch(body, -1) {
		params[m[1]] = strings.TrimSpace(m[2])
	}

	return &ToolCall{
		ID:         mintID(),
		Name:       name,
		Input:      params,
		MatchStart: loc[0],
		MatchEnd:   loc[1],
	}, nil, true
}

func parseBareJSON(text string) (*ToolCall, *ParseError, bool) {
	loc := bareJSONLine.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, nil, false
	}
	body := text[loc[2]:loc[3]]

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, nil, false
	}

	name, args, ok := extractNameArgs(raw)
	if !ok {
		// Doesn't carry exactly one of the two recognized key shapes:
		// not a tool-call frame at all, just an incidental JSON line.
		return nil, nil, false
	}

	return &ToolCall{
		ID:         mintID(),
		Name:       name,
		Input:      args,
		MatchStart: loc[2],
		MatchEnd:   loc[3],
	}, nil, true
}

// extractNameArgs accepts exactly {"name","arguments"} or {"tool","args"}
// as the top-level key set, per spec §4.5 item 3.
func extractNameArgs(raw map[string]any) (string, map[string]any, bool) {
	if len(raw) != 2 {
		return "", nil, false
	}
	if name, ok := raw["name"].(string); ok {
		if args, ok := raw["arguments"].(map[string]any); ok {
			return name, args, true
		}
	}
	if tool, ok := raw["tool"].(string); ok {
		if args, ok := raw["args"].(map[string]any); ok {
			return tool, args, true
		}
	}
	return "", nil, false
}

// mintID generates a synthetic tool-use id for a recovered call.
func mintID() string {
	return "call_" + uuid.NewString()
}
