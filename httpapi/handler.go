// Package httpapi exposes the gateway's direct HTTP surface: POST
// /v1/messages, POST /v1/messages/count_tokens, and GET /health. It is the
// thin transport shell around convert, provider, and tokencount — a single
// request in, a single upstream call out, no conversation-tree routing.
// (The tree-routed path a chat-bot front end would use lives in
// conversation/, which wires the same provider.Set through a tree.Manager
// job instead of directly from an HTTP handler.)
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"claude-bridge/config"
	"claude-bridge/convert"
	"claude-bridge/internal/reqctx"
	"claude-bridge/logger"
	"claude-bridge/provider"
	"claude-bridge/sse"
	"claude-bridge/tokencount"
	"claude-bridge/types"
)

// Handler serves the gateway's direct request/response and streaming
// endpoints.
type Handler struct {
	cfg       *config.Config
	providers *provider.Set
	counter   *tokencount.Counter
	obs       *logger.ObservabilityLogger
	logCfg    logger.LoggerConfig
}

// NewHandler builds a Handler. counter may be nil, in which case
// count_tokens falls back to tokencount.Shared() per request.
func NewHandler(cfg *config.Config, providers *provider.Set, counter *tokencount.Counter, obs *logger.ObservabilityLogger) *Handler {
	return &Handler{
		cfg:       cfg,
		providers: providers,
		counter:   counter,
		obs:       obs,
		logCfg:    logger.StaticConfig{MinLevel: parseLevel(cfg.LogLevel)},
	}
}

func parseLevel(s string) logger.Level {
	switch s {
	case "DEBUG":
		return logger.DEBUG
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", h.handleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", h.handleCountTokens)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	requestID := reqctx.GetRequestID(r.Context())
	traffic := logger.FromContext(r.Context(), h.logCfg).WithComponent("httpapi")

	var req types.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, "decoding request body: "+err.Error(), 0, err))
		return
	}
	traffic.Info("POST /v1/messages model=%s stream=%v", req.Model, req.WantsStream())

	providerName, upstreamModel, err := h.cfg.ResolveModel(req.Model)
	if err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, err.Error(), 0, err))
		return
	}
	settings, err := h.cfg.Provider(providerName)
	if err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, err.Error(), 0, err))
		return
	}
	adapter, err := h.providers.Get(providerName)
	if err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, err.Error(), 0, err))
		return
	}

	stream := req.WantsStream()
	openaiReq, err := convert.BuildRequest(&req, upstreamModel, settings, stream)
	if err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, err.Error(), 0, err))
		return
	}

	if !stream {
		h.handleNonStreaming(w, r, requestID, adapter, *openaiReq, req.OriginalModel)
		return
	}
	h.handleStreaming(w, r, requestID, adapter, *openaiReq, req.OriginalModel)
}

func (h *Handler) handleNonStreaming(w http.ResponseWriter, r *http.Request, requestID string, adapter *provider.Adapter, openaiReq types.OpenAIRequest, originalModel string) {
	resp, err := adapter.Call(r.Context(), requestID, openaiReq)
	if err != nil {
		perr := asProviderError(err)
		logger.FromContext(r.Context(), h.logCfg).WithComponent("httpapi").Error("call failed: %v", perr)
		writeError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, convert.ConvertResponse(resp, originalModel))
}

// handleStreaming drives the SSE response. The sse.Writer is constructed
// lazily, on the first event the adapter actually emits: a failure
// surfaced before that point (auth, rate limit, a refused connection) has
// written nothing to the wire yet, so it still gets a plain JSON error
// envelope with the correct status instead of a malformed SSE frame. Once
// the writer exists, a later failure can only be reported as a mid-stream
// error event per spec.
func (h *Handler) handleStreaming(w http.ResponseWriter, r *http.Request, requestID string, adapter *provider.Adapter, openaiReq types.OpenAIRequest, originalModel string) {
	msgID := "msg_" + uuid.NewString()

	var sw *sse.Writer
	sink := func(ev sse.Event) error {
		if sw == nil {
			var err error
			sw, err = sse.NewWriter(w)
			if err != nil {
				return err
			}
		}
		return sw.Write(ev)
	}

	err := adapter.Stream(r.Context(), requestID, openaiReq, msgID, originalModel, sink)
	if err == nil {
		return
	}

	perr := asProviderError(err)
	if sw == nil {
		writeError(w, perr)
		return
	}
	_ = sw.Write(sse.Error(string(perr.Kind), perr.Message))
}

func (h *Handler) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req types.TokenCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, "decoding request body: "+err.Error(), 0, err))
		return
	}

	counter := h.counter
	if counter == nil {
		var err error
		counter, err = tokencount.Shared()
		if err != nil {
			writeError(w, types.NewProviderError(types.KindAPIError, "token counter unavailable: "+err.Error(), 0, err))
			return
		}
	}

	n, err := counter.Count(req)
	if err != nil {
		writeError(w, types.NewProviderError(types.KindInvalidRequest, "counting tokens: "+err.Error(), 0, err))
		return
	}
	writeJSON(w, http.StatusOK, types.TokenCountResponse{InputTokens: n})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// asProviderError recovers the *types.ProviderError every adapter failure
// already is; the fallback only guards against a future caller returning a
// bare error.
func asProviderError(err error) *types.ProviderError {
	if perr, ok := err.(*types.ProviderError); ok {
		return perr
	}
	return types.NewProviderError(types.KindAPIError, err.Error(), 0, err)
}

func writeError(w http.ResponseWriter, perr *types.ProviderError) {
	writeJSON(w, perr.Kind.HTTPStatus(perr.UpstreamStatus), perr.Envelope())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
