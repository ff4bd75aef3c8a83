package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taolend/gateway/config"
	"taolend/gateway/routes"
	"taolend/observability/logging"
	"taolend/observability/otel"
)

func main() {
	configPath := flag.String("config", "./gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("lend-gateway: fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Observability.ServiceName, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("lend-gateway: telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.Auth.Enabled && cfg.AuthSecret() == "" {
		return fmt.Errorf("auth enabled but %s is not set", cfg.Auth.HMACSecretEnv)
	}

	router, err := routes.NewRouter(cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lend-gateway: listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("node", cfg.Node.RPCURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("lend-gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return <-errCh
}
