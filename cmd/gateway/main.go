// Command gateway runs the Anthropic-to-OpenAI translating HTTP gateway:
// it loads the provider/model-alias configuration, wires the Rate
// Coordinator, Provider Adapter set, and HTTP surface, and serves
// /v1/messages, /v1/messages/count_tokens, /metrics, and /health.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claude-bridge/config"
	"claude-bridge/httpapi"
	"claude-bridge/internal/reqctx"
	"claude-bridge/logger"
	"claude-bridge/provider"
	"claude-bridge/ratelimit"
)

func main() {
	configPath := flag.String("config", "config/gateway.example.yaml", "path to the gateway YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gateway: loading config: %v", err)
	}

	obs := logger.NewObservabilityLogger(os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := logger.NewMetrics(registry)
	rateRegistry := ratelimit.NewRegistry()
	providers := provider.NewSet(cfg, rateRegistry, metrics, obs)

	handler := httpapi.NewHandler(cfg, providers, nil, obs)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      withRequestID(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("claude-bridge %s listening on %s (%d provider(s) configured)", Version, srv.Addr, len(cfg.Providers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: server error: %v", err)
		}
	}()

	waitForShutdown(srv)
}

// withRequestID mints a request id for every inbound request and stores it
// via reqctx.WithRequestID, so logger.Logger and ObservabilityLogger calls
// downstream can tag their output without threading the id through every
// function signature.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := "req_" + uuid.NewString()
		ctx := reqctx.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in-flight
// requests for up to 10 seconds before returning.
func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("gateway: shutdown error: %v", err)
	}
}
