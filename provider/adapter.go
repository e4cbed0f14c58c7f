// Package provider implements the Provider Adapter (spec §4.6): the single
// component that issues upstream HTTP calls, maps transport/HTTP failures
// into the taxonomy of §7, and drives the SSE translation pipeline for
// streaming replies.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"claude-bridge/config"
	"claude-bridge/convert"
	"claude-bridge/logger"
	"claude-bridge/ratelimit"
	"claude-bridge/sse"
	"claude-bridge/think"
	"claude-bridge/toolparse"
	"claude-bridge/types"
)

// interceptToolName is the subagent-spawning tool whose run_in_background
// argument the adapter forces false before it reaches the client (spec
// §4.6): this gateway has no channel back to a background subagent task.
const interceptToolName = "Task"

// EventSink receives one SSE Event at a time during a streaming call. It is
// an interface seam rather than *sse.Writer directly so tests (and the
// conversation package's non-HTTP demo) can drive the adapter without a real
// http.ResponseWriter.
type EventSink func(sse.Event) error

// Adapter owns one long-lived HTTP client scoped to a single upstream
// provider's timeouts, and shares the Rate Coordinator registered for that
// provider with every other caller of it.
type Adapter struct {
	name        string
	settings    *config.ProviderSettings
	client      *http.Client
	coordinator *ratelimit.Coordinator
	metrics     *logger.Metrics
	obs         *logger.ObservabilityLogger
	breaker     *breaker
}

// NewAdapter builds an Adapter for one provider. metrics and obs may be nil,
// in which case the adapter simply skips instrumentation.
func NewAdapter(name string, settings *config.ProviderSettings, coordinator *ratelimit.Coordinator, metrics *logger.Metrics, obs *logger.ObservabilityLogger) *Adapter {
	return &Adapter{
		name:        name,
		settings:    settings,
		coordinator: coordinator,
		metrics:     metrics,
		obs:         obs,
		breaker:     newBreaker(defaultBreakerConfig()),
		client: &http.Client{
			Timeout: settings.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: settings.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: settings.WriteTimeout,
			},
		},
	}
}

// Call issues a non-streaming chat-completion request and returns the
// upstream's parsed response, per spec §4.6.
func (a *Adapter) Call(ctx context.Context, requestID string, req types.OpenAIRequest) (*types.OpenAIResponse, error) {
	req.Stream = false

	if !a.breaker.Allow() {
		return nil, a.errOpen()
	}

	start := time.Now()
	if _, err := a.coordinator.WaitIfBlocked(ctx); err != nil {
		return nil, classifyTransportErr(err)
	}
	a.recordAcquisition()
	a.recordWait(start)

	httpReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, types.NewProviderError(types.KindInvalidRequest, "building upstream request", 0, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		perr := classifyTransportErr(err)
		a.recordOutcome(start, perr.Kind)
		return nil, perr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := a.handleErrorStatus(requestID, resp)
		a.recordOutcome(start, perr.Kind)
		return nil, perr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		perr := classifyTransportErr(err)
		a.recordOutcome(start, perr.Kind)
		return nil, perr
	}

	var out types.OpenAIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		perr := types.NewProviderError(types.KindAPIError, "decoding upstream response", resp.StatusCode, err)
		a.recordOutcome(start, perr.Kind)
		return nil, perr
	}

	a.recordOutcome(start, "")
	return &out, nil
}

// Stream issues a streaming chat-completion request and pumps the translated
// Anthropic SSE event sequence to sink as upstream chunks arrive, per spec
// §4.6's streaming pipeline. msgID/model seed the message_start event.
func (a *Adapter) Stream(ctx context.Context, requestID string, req types.OpenAIRequest, msgID, model string, sink EventSink) error {
	req.Stream = true

	if !a.breaker.Allow() {
		return a.errOpen()
	}

	start := time.Now()
	if _, err := a.coordinator.WaitIfBlocked(ctx); err != nil {
		return classifyTransportErr(err)
	}
	a.recordAcquisition()
	a.recordWait(start)

	httpReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return types.NewProviderError(types.KindInvalidRequest, "building upstream request", 0, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		perr := classifyTransportErr(err)
		a.recordOutcome(start, perr.Kind)
		return perr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := a.handleErrorStatus(requestID, resp)
		a.recordOutcome(start, perr.Kind)
		return perr
	}

	if err := a.pumpStream(resp.Body, msgID, model, sink); err != nil {
		perr := classifyTransportErr(err)
		a.recordOutcome(start, perr.Kind)
		return perr
	}
	a.recordOutcome(start, "")
	return nil
}

func (a *Adapter) buildRequest(ctx context.Context, req types.OpenAIRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimSuffix(a.settings.BaseURL, "/") + "/chat/completions"

	if a.settings.AuthViaQueryParam {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		q := u.Query()
		q.Set("key", a.settings.APIKey)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if !a.settings.AuthViaQueryParam {
		httpReq.Header.Set("Authorization", "Bearer "+a.settings.APIKey)
	}
	return httpReq, nil
}

// handleErrorStatus classifies a non-200 response and, for a 429, applies
// the reactive cooldown spec §4.11 requires before the RateLimitError is
// surfaced to the caller.
func (a *Adapter) handleErrorStatus(requestID string, resp *http.Response) *types.ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	perr := classifyHTTPStatus(resp.StatusCode, string(body))
	if perr.Kind == types.KindRateLimit {
		const cooldown = 60 * time.Second
		a.coordinator.SetBlocked(cooldown)
		if a.obs != nil {
			a.obs.RateLimiterBlocked(requestID, a.name, cooldown.Seconds())
		}
		if a.metrics != nil {
			a.metrics.RateLimiterBlocks.WithLabelValues(a.name).Inc()
		}
	}
	return perr
}

// toolStreamState tracks one in-progress streamed tool call by its delta
// index.
type toolStreamState struct {
	blockIndex int
	intercept  bool
	argsBuf    strings.Builder
}

// pumpStream implements spec §4.6 item 2-3: translate each upstream
// chat-completion SSE chunk into Anthropic SSE events via the shared
// Builder, finalizing once the upstream stream ends.
func (a *Adapter) pumpStream(body io.Reader, msgID, model string, sink EventSink) error {
	builder := sse.New()
	send := func(events []sse.Event) error {
		for _, ev := range events {
			if err := sink(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := send(builder.StartMessage(msgID, model)); err != nil {
		return err
	}

	tp := think.New()
	tools := map[int]*toolStreamState{}
	var finishReason *string
	var usage types.OpenAIUsage
	var plainText strings.Builder

	flushTextChunk := func(c think.Chunk) error {
		if a.settings.HeuristicToolRecovery && c.Kind == think.TEXT {
			plainText.WriteString(c.Text)
			return nil
		}
		if c.Kind == think.THINK {
			_, events := builder.EnsureThinkingBlock()
			if err := send(events); err != nil {
				return err
			}
			return send(builder.EmitThinkingDelta(c.Text))
		}
		_, events := builder.EnsureTextBlock()
		if err := send(events); err != nil {
			return err
		}
		return send(builder.EmitTextDelta(c.Text))
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk types.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// A malformed SSE frame from upstream; skip rather than abort
			// the whole stream over one bad line.
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = choice.FinishReason
		}

		delta := choice.Delta
		switch {
		case delta.ReasoningContent != "":
			if err := flushTextChunk(think.Chunk{Kind: think.THINK, Text: delta.ReasoningContent}); err != nil {
				return err
			}
		case len(delta.ReasoningDetails) > 0:
			for _, d := range delta.ReasoningDetails {
				if d.Text == "" {
					continue
				}
				if err := flushTextChunk(think.Chunk{Kind: think.THINK, Text: d.Text}); err != nil {
					return err
				}
			}
		case delta.Content != "":
			for _, c := range tp.Feed(delta.Content) {
				if err := flushTextChunk(c); err != nil {
					return err
				}
			}
		}

		for _, tc := range delta.ToolCalls {
			if err := a.handleToolDelta(builder, tools, send, tc); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, c := range tp.Finalize() {
		if err := flushTextChunk(c); err != nil {
			return err
		}
	}

	for idx, state := range tools {
		if !state.intercept {
			continue
		}
		if err := a.flushInterceptedTool(builder, send, idx, state); err != nil {
			return err
		}
	}

	if a.settings.HeuristicToolRecovery && plainText.Len() > 0 {
		forcedStop, err := a.emitRecoveredText(builder, send, plainText.String())
		if err != nil {
			return err
		}
		if forcedStop {
			stop := "stop"
			finishReason = &stop
		}
	}

	stopReason := convert.MapStopReason(finishReason, len(tools) > 0)
	return send(builder.Finalize(stopReason, usage.PromptTokens, usage.CompletionTokens))
}

// handleToolDelta opens a tool block on first sight of an index and forwards
// argument chunks, buffering rather than forwarding immediately for the
// intercepted Task tool so handleToolDelta's caller can rewrite
// run_in_background before anything reaches the client.
func (a *Adapter) handleToolDelta(builder *sse.Builder, tools map[int]*toolStreamState, send func([]sse.Event) error, tc types.OpenAIToolCall) error {
	state, ok := tools[tc.Index]
	if !ok {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		idx, events := builder.OpenToolBlock(id, tc.Function.Name)
		if err := send(events); err != nil {
			return err
		}
		state = &toolStreamState{blockIndex: idx, intercept: tc.Function.Name == interceptToolName}
		tools[tc.Index] = state
	}

	if tc.Function.Arguments == "" {
		return nil
	}
	if state.intercept {
		state.argsBuf.WriteString(tc.Function.Arguments)
		return nil
	}
	return send(builder.EmitToolDelta(state.blockIndex, tc.Function.Arguments))
}

// flushInterceptedTool parses the fully-buffered arguments for a Task call,
// forces run_in_background false if the model set it true, and emits the
// corrected arguments as a single delta — the only way to rewrite a field
// that may only become visible once the whole JSON object has arrived.
func (a *Adapter) flushInterceptedTool(builder *sse.Builder, send func([]sse.Event) error, idx int, state *toolStreamState) error {
	raw := state.argsBuf.String()

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return send(builder.EmitToolDelta(state.blockIndex, raw))
	}
	forceNoBackground(parsed)
	corrected, err := json.Marshal(parsed)
	if err != nil {
		return send(builder.EmitToolDelta(state.blockIndex, raw))
	}
	return send(builder.EmitToolDelta(state.blockIndex, string(corrected)))
}

// forceNoBackground applies the subagent-interception rule (spec §4.6) to
// an already-decoded argument map: if run_in_background was set true, it
// is forced false in place.
func forceNoBackground(args map[string]any) {
	if bg, ok := args["run_in_background"]; ok {
		if b, ok := bg.(bool); ok && b {
			args["run_in_background"] = false
		}
	}
}

// emitRecoveredText runs the Heuristic Tool Parser (spec §4.5) over text
// accumulated while HeuristicToolRecovery is enabled, emitting a text block
// for the prose and a tool_use block per recognized call, applying the same
// Task run_in_background interception as the structured-delta path. It
// reports whether a malformed frame forced the turn to end early.
func (a *Adapter) emitRecoveredText(builder *sse.Builder, send func([]sse.Event) error, text string) (forcedStop bool, err error) {
	remaining := text
	for {
		call, perr, ok := toolparse.Parse(remaining)
		if perr != nil {
			before := remaining[:call.MatchStart]
			if before != "" {
				if err := emitText(builder, send, before); err != nil {
					return false, err
				}
			}
			if err := emitText(builder, send, "\n\n[tool call parse error: "+perr.Error()+"]"); err != nil {
				return false, err
			}
			return true, nil
		}
		if !ok {
			if remaining != "" {
				if err := emitText(builder, send, remaining); err != nil {
					return false, err
				}
			}
			return false, nil
		}

		before := remaining[:call.MatchStart]
		if before != "" {
			if err := emitText(builder, send, before); err != nil {
				return false, err
			}
		}
		if call.Name == interceptToolName {
			forceNoBackground(call.Input)
		}
		idx, events := builder.OpenToolBlock(call.ID, call.Name)
		if err := send(events); err != nil {
			return false, err
		}
		argsJSON, _ := json.Marshal(call.Input)
		if err := send(builder.EmitToolDelta(idx, string(argsJSON))); err != nil {
			return false, err
		}
		remaining = remaining[call.MatchEnd:]
	}
}

func emitText(builder *sse.Builder, send func([]sse.Event) error, text string) error {
	_, events := builder.EnsureTextBlock()
	if err := send(events); err != nil {
		return err
	}
	return send(builder.EmitTextDelta(text))
}

func (a *Adapter) recordAcquisition() {
	if a.metrics == nil {
		return
	}
	a.metrics.RateLimiterAcquisitions.WithLabelValues(a.name).Inc()
}

// recordWait observes the time spent in WaitIfBlocked (reactive cooldown
// plus proactive token-bucket acquisition) before a call was allowed
// through.
func (a *Adapter) recordWait(start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.RateLimiterWaitSeconds.WithLabelValues(a.name).Observe(time.Since(start).Seconds())
}

// recordOutcome records call latency, updates the circuit breaker, and for
// a non-empty kind counts a failure against that error kind. Only
// transport-level and upstream-capacity failures (network, overloaded, a
// bare api_error) count against the breaker: authentication, invalid
// request, rate-limit, and cancellation reflect the caller or the rate
// coordinator, not the upstream's health.
func (a *Adapter) recordOutcome(start time.Time, kind types.ErrorKind) {
	switch kind {
	case "":
		a.breaker.RecordSuccess()
	case types.KindNetwork, types.KindOverloaded, types.KindAPIError:
		a.breaker.RecordFailure()
	}

	if a.metrics == nil {
		return
	}
	outcome := "success"
	if kind != "" {
		outcome = "error"
		a.metrics.ProviderCallErrors.WithLabelValues(a.name, string(kind)).Inc()
	}
	a.metrics.ProviderCallLatency.WithLabelValues(a.name, outcome).Observe(time.Since(start).Seconds())
}
