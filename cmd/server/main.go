// Command server runs PolyRoute in gateway mode: an HTTP proxy that routes
// OpenAI-compatible chat requests across the providers named in its
// configuration file. The API listener serves /v1 and the health endpoints;
// Prometheus metrics get their own listener so scrapes never compete with
// completion traffic.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyroute/polyroute"
	"github.com/polyroute/polyroute/internal/api"
	"github.com/polyroute/polyroute/internal/observability"
)

func main() {
	configPath := flag.String("config", "polyroute.toml", "path to configuration file (TOML or YAML)")
	flag.Parse()

	// Read the file once up front for the server and logging settings. The
	// router watches the same file for hot reload, but the [server] block is
	// startup-only: changing a listen address requires a restart.
	cfg, err := polyroute.LoadConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	}, observability.NewRedactor())
	slog.SetDefault(logger)

	router, err := polyroute.New(
		polyroute.WithConfigFile(*configPath),
		polyroute.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to initialize router", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	api.NewHandler(router, logger, polyroute.Version).RegisterRoutes(mux)

	server := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: api.Chain(mux, api.MiddlewareConfig{
			Logger:         logger,
			InboundRPS:     cfg.Server.InboundRPS,
			InboundBurst:   cfg.Server.InboundBurst,
			TrustedProxies: cfg.Server.TrustedProxies,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsListen,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr, "version", polyroute.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := router.Close(); err != nil {
		logger.Error("router close", "error", err)
	}
	logger.Info("server stopped")
}
