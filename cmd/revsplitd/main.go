package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"revsplit/config"
	"revsplit/core"
	"revsplit/journal"
	"revsplit/native/splitter"
	"revsplit/observability"
	"revsplit/observability/logging"
	telemetry "revsplit/observability/otel"
	"revsplit/rpc"
	"revsplit/services/history"
	"revsplit/storage"
)

func main() {
	configFile := flag.String("config", "./revsplit.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("REVSPLIT_ENV"))
	logger := logging.SetupWithOptions("revsplitd", env, cfg.FileLogging())

	otlpEndpoint := strings.TrimSpace(cfg.OTELEndpoint)
	if otlpEndpoint == "" {
		otlpEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	insecure := cfg.OTELInsecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "revsplitd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("Failed to init telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("revsplitd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allocs, capAmount, err := splitter.LoadRoster(cfg.RosterFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eventJournal, err := journal.Open(cfg.JournalPath(), nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		_ = eventJournal.Close()
	}()

	node, err := core.NewNode(db, allocs, capAmount,
		core.WithEventSink(eventJournal),
		core.WithMetrics(observability.Splitter()),
		core.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	opts := []rpc.ServerOption{
		rpc.WithLogger(logger),
		rpc.WithWriteLimit(cfg.RPCWriteLimit),
	}
	if token := cfg.RPCToken(); token != "" {
		opts = append(opts, rpc.WithAuthToken(token))
	}
	if token := cfg.AdminToken(); token != "" {
		opts = append(opts, rpc.WithAdminToken(token))
	}
	if secret := cfg.JWTSecret(); len(secret) > 0 {
		opts = append(opts, rpc.WithJWTSecret(secret))
	}

	if dsn := strings.TrimSpace(cfg.HistoryDSN); dsn != "" {
		historyDB, err := history.OpenDatabase(dsn)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		recorder, err := history.NewRecorder(historyDB, node, logger)
		if err != nil {
			return err
		}
		opts = append(opts, rpc.WithHistory(recorder))
		go func() {
			if err := recorder.Run(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("history recorder stopped", slog.Any("error", err))
			}
		}()
	}

	server := rpc.NewServer(node, opts...)

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(cfg.RPCAddress)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}
