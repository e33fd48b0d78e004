// logsentry ingests syslog over TCP and fires webhook alerts on log volume.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/logsentry/internal/alerts"
	"github.com/marcus-qen/logsentry/internal/api"
	"github.com/marcus-qen/logsentry/internal/config"
	"github.com/marcus-qen/logsentry/internal/events"
	"github.com/marcus-qen/logsentry/internal/ingest"
	"github.com/marcus-qen/logsentry/internal/logstore"
	"github.com/marcus-qen/logsentry/internal/retention"
	"github.com/marcus-qen/logsentry/internal/telemetry"
	"github.com/marcus-qen/logsentry/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOGSENTRY_CONFIG"), "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("logsentry %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsentry: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsentry: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("config warning", zap.String("warning", w))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("logsentry exited with error", zap.Error(err))
	}
	logger.Info("logsentry stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	logs, err := logstore.Open(cfg.Storage.Driver, cfg.StorageDSN())
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer logs.Close()
	logger.Info("log store opened", zap.String("driver", logs.Driver()))

	history, err := alerts.NewStore(cfg.AlertsDBPath())
	if err != nil {
		return fmt.Errorf("open alert history: %w", err)
	}
	defer history.Close()

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	interval, err := cfg.CheckInterval()
	if err != nil {
		return err
	}

	bus := events.NewBus(256)
	dispatcher := webhook.NewDispatcher(version, logger.Named("webhook"))

	scheduler := alerts.NewScheduler(alerts.SchedulerConfig{
		Enabled:  cfg.Alerting.Enabled,
		Interval: interval,
		Rules:    rules,
	}, logs, history, dispatcher, logger.Named("alerts"))
	scheduler.Evaluator().SetBus(bus)

	pipeline := ingest.NewPipeline(logs, bus, logger.Named("ingest"))
	ingestSrv := ingest.NewServer(pipeline, ingest.ServerConfig{
		MaxMessageSize: cfg.Syslog.MaxMessageSize,
		MaxBufferSize:  cfg.Syslog.MaxBufferSize,
	}, logger.Named("ingest"))

	var cleaner *retention.Cleaner
	if cfg.Retention.Days > 0 {
		cleaner, err = retention.New(logs, history, cfg.Retention.Days, cfg.Retention.Schedule, logger.Named("retention"))
		if err != nil {
			return err
		}
	}

	apiSrv := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: cfg.API.RequestsPerSecond,
			Burst:             cfg.API.Burst,
		},
	}, api.Deps{
		Logs:      logs,
		History:   history,
		Scheduler: scheduler,
		Tester:    dispatcher,
		Ingest:    ingestSrv,
		Bus:       bus,
		Version:   version,
	}, logger.Named("api"))

	logger.Info("logsentry starting",
		zap.String("version", version),
		zap.String("syslog_addr", cfg.Syslog.ListenAddr),
		zap.String("api_addr", cfg.ListenAddr),
		zap.Int("rules", len(rules)),
		zap.Bool("alerting", cfg.Alerting.Enabled),
	)

	scheduler.Start(ctx)
	defer scheduler.Stop()
	if cleaner != nil {
		cleaner.Start(ctx)
		defer cleaner.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestSrv.ListenAndServe(gctx, cfg.Syslog.ListenAddr)
	})
	g.Go(func() error {
		return apiSrv.ListenAndServe(gctx)
	})
	return g.Wait()
}
