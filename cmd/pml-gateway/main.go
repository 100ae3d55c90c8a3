// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: pml-gateway-v1-hybrid-execution

// pml-gateway is the PML entrypoint: it exposes the hybrid cloud/local
// execution pipeline as a single MCP server over stdio or HTTP+SSE,
// selected by PML_MODE (spec §4.1, §6).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Casys-AI/casys-pml-sub012/internal/auth"
	"github.com/Casys-AI/casys-pml-sub012/internal/broker"
	"github.com/Casys-AI/casys-pml-sub012/internal/capability"
	"github.com/Casys-AI/casys-pml-sub012/internal/cloudclient"
	"github.com/Casys-AI/casys-pml-sub012/internal/config"
	"github.com/Casys-AI/casys-pml-sub012/internal/debug"
	"github.com/Casys-AI/casys-pml-sub012/internal/eventstream"
	"github.com/Casys-AI/casys-pml-sub012/internal/gatewaylog"
	"github.com/Casys-AI/casys-pml-sub012/internal/mcpgateway"
	"github.com/Casys-AI/casys-pml-sub012/internal/metrics"
	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
	"github.com/Casys-AI/casys-pml-sub012/internal/pending"
	"github.com/Casys-AI/casys-pml-sub012/internal/routing"
	"github.com/Casys-AI/casys-pml-sub012/internal/sandboxexec"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
	"github.com/Casys-AI/casys-pml-sub012/internal/threshold"
	"github.com/Casys-AI/casys-pml-sub012/internal/toolrouter"
)

const gatewayRevision = "pml-gateway-v1-hybrid-execution"

func init() {
	log.Printf("[pml-gateway] REVISION: %s loaded at %s", gatewayRevision, time.Now().Format(time.RFC3339))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gatewaylog.Logger.Info().
		Str("mode", cfg.Mode).
		Int("max_concurrent", cfg.MaxConcurrent).
		Str("queue_strategy", cfg.QueueStrategy).
		Msg("starting pml-gateway")

	s, closeStore := openStore(cfg)
	defer closeStore()

	capRegistry := capability.New(s)
	pendingStore := pending.New(cfg.PendingTTL)
	stopSweeper := pendingStore.StartSweeper(cfg.PendingSweepEvery)
	defer stopSweeper()

	thresholdCtrl := threshold.New(cfg.ThresholdWindowSize, cfg.ThresholdMin, cfg.ThresholdMax, cfg.ExplicitThreshold)
	events := eventstream.NewHub(cfg.SSEMaxClients, cfg.SSEHeartbeatInterval, cfg.SSECORSPatterns)
	defer events.Stop()

	resolver := routing.New(nil, nil) // local MCP clients are attached per-session as they connect
	router := toolrouter.New("default", "default", resolver, capRegistry)

	cloud := cloudclient.New(cloudBaseURL(), cfg.PMLAPIKey)

	secretsBroker := broker.NewSecretsBroker(cfg.BrokerPort)
	go func() {
		if err := secretsBroker.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("[pml-gateway] secrets broker stopped: %v", err)
		}
	}()
	defer secretsBroker.Stop()

	sandbox := &sandboxexec.SubprocessExecutor{Broker: secretsBroker}

	memMonitor := debug.NewMemoryMonitor(debug.DefaultConfig())
	memMonitor.Start()
	defer memMonitor.Stop()

	orch := orchestrator.New(cloud, sandbox, router, pendingStore, capRegistry, thresholdCtrl, events)
	gw := mcpgateway.New(orch, cfg.MaxConcurrent, mcpgateway.Strategy(cfg.QueueStrategy))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case "http":
		runHTTP(ctx, cfg, gw, events)
	default:
		runStdio(ctx, gw)
	}
}

func runStdio(ctx context.Context, gw *mcpgateway.Gateway) {
	if err := gw.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("stdio transport error: %v", err)
	}
}

func runHTTP(ctx context.Context, cfg config.Config, gw *mcpgateway.Gateway, events *eventstream.Hub) {
	authMW := auth.NewMiddleware()

	mux := http.NewServeMux()
	mux.Handle("POST /rpc", gw.HTTPHandler())
	mux.HandleFunc("GET /feed", events.ServeHTTP)
	mux.HandleFunc("GET /", handleLiveFeedPage)
	mux.HandleFunc("GET /ui/{path...}", handleUIResource(gw))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	if authMW.IsEnabled() {
		handler = authMW.RequireAuth(mux)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		log.Printf("[pml-gateway] HTTP mode listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[pml-gateway] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[pml-gateway] shutdown error: %v", err)
	}
}

func handleLiveFeedPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(liveFeedHTML))
}

func handleUIResource(gw *mcpgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := "ui://" + r.PathValue("path")
		html, ok := gw.ReadResource(uri)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
	}
}

func openStore(cfg config.Config) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		log.Printf("[pml-gateway] PML_DATABASE_URL not set, using in-memory capability store")
		return store.NewMemStore(), func() {}
	}
	pgxStore, err := store.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open capability store: %v", err)
	}
	return pgxStore, func() { pgxStore.Close() }
}

func cloudBaseURL() string {
	if v := os.Getenv("PML_CLOUD_URL"); v != "" {
		return v
	}
	return "https://cloud.pml.dev"
}

const liveFeedHTML = `<!DOCTYPE html>
<html>
<head><title>PML Live Feed</title></head>
<body>
<h1>PML Live Feed</h1>
<pre id="log"></pre>
<script>
const log = document.getElementById('log');
const src = new EventSource('/feed');
src.onmessage = (e) => { log.textContent += e.data + "\n"; };
</script>
</body>
</html>`
