package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/config"
	"claude-bridge/httpapi"
	"claude-bridge/logger"
	"claude-bridge/provider"
	"claude-bridge/ratelimit"
	"claude-bridge/tokencount"
	"claude-bridge/types"
)

func testConfig(providerBaseURL string) *config.Config {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderSettings{
			"test": {
				Name:           "test",
				APIKey:         "sk-test",
				BaseURL:        providerBaseURL,
				ConnectTimeout: time.Second,
				ReadTimeout:    5 * time.Second,
				WriteTimeout:   5 * time.Second,
				Capacity:       100,
				Window:         time.Minute,
			},
		},
		ModelAliases: map[string]string{
			"claude-test": "test/upstream-model",
		},
	}
	return cfg
}

func newHandler(cfg *config.Config) *httpapi.Handler {
	registry := ratelimit.NewRegistry()
	metrics := logger.NewMetrics(prometheus.NewRegistry())
	providers := provider.NewSet(cfg, registry, metrics, nil)
	return httpapi.NewHandler(cfg, providers, nil, nil)
}

func TestHandleMessagesNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.OpenAIResponse{
			ID: "chatcmpl-1",
			Choices: []types.OpenAIChoice{{
				Message: types.OpenAIResponseMessage{Role: "assistant", Content: "hi there"},
			}},
			Usage: types.OpenAIUsage{PromptTokens: 3, CompletionTokens: 2},
		})
	}))
	defer upstream.Close()

	h := newHandler(testConfig(upstream.URL))
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"model":      "claude-test",
		"messages":   []map[string]any{{"role": "user", "content": "hello"}},
		"max_tokens": 100,
		"stream":     false,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-test", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
}

func TestHandleMessagesUnknownModelReturnsInvalidRequestEnvelope(t *testing.T) {
	h := newHandler(testConfig("http://unused"))
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"model":    "not-configured",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"stream":   false,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(types.KindInvalidRequest), env.Error.Type)
}

func TestHandleMessagesStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		data, _ := json.Marshal(types.OpenAIStreamChunk{Choices: []types.OpenAIStreamChoice{{
			Delta: types.OpenAIStreamDelta{Content: "hi"},
		}}})
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	h := newHandler(testConfig(upstream.URL))
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-test",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
		"stream":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "message_start")
	assert.Contains(t, rec.Body.String(), "message_stop")
}

func TestHandleMessagesStreamingPreStreamErrorReturnsJSONNotSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer upstream.Close()

	h := newHandler(testConfig(upstream.URL))
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-test",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
		"stream":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var env types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(types.KindAuthentication), env.Error.Type)
}

func TestHandleCountTokens(t *testing.T) {
	cfg := testConfig("http://unused")
	registry := ratelimit.NewRegistry()
	metrics := logger.NewMetrics(prometheus.NewRegistry())
	providers := provider.NewSet(cfg, registry, metrics, nil)
	// An explicit nil-encoder Counter keeps this test from depending on
	// network access to fetch the cl100k_base rank file: every field
	// below is an empty string, which tokens() short-circuits before
	// touching the encoder.
	h := httpapi.NewHandler(cfg, providers, tokencount.NewCounter(nil), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-test",
		"messages": []map[string]any{{"role": "user", "content": ""}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.TokenCountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.InputTokens)
}

func TestHandleHealth(t *testing.T) {
	h := newHandler(testConfig("http://unused"))
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
