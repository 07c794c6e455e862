package fundindexer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fundvault/observability/logging"
	telemetry "fundvault/observability/otel"
)

// Main runs the indexer daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fundindexer/config.yaml", "path to fundindexer config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUNDVAULT_ENV"))
	logging.Setup("fundindexerd", env)
	logger := slog.Default()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "fundindexerd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := OpenStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	cursor, err := OpenCursorStore(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer func() { _ = cursor.Close() }()

	indexer, err := New(cfg, store, cursor, logger)
	if err != nil {
		return fmt.Errorf("build indexer: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(mux, "fundindexerd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("fundindexerd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		logger.Info("indexing event stream", "node", cfg.NodeURL, "cursor", indexer.LastSequence())
		errs <- indexer.Run(stopCtx)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
