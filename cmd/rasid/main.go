package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sahab-io/rasid/internal/accounting"
	"github.com/sahab-io/rasid/internal/auth"
	"github.com/sahab-io/rasid/internal/config"
	"github.com/sahab-io/rasid/internal/engine"
	"github.com/sahab-io/rasid/internal/notify"
	"github.com/sahab-io/rasid/internal/outbox"
	"github.com/sahab-io/rasid/internal/server"
	"github.com/sahab-io/rasid/internal/storage"
	"github.com/sahab-io/rasid/internal/sweeper"
	"github.com/sahab-io/rasid/internal/telemetry"
	"github.com/sahab-io/rasid/internal/workflow"
	"github.com/sahab-io/rasid/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("rasid starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to the document store and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if err := telemetry.RegisterQueueDepthGauges(db); err != nil {
		logger.Warn("queue depth gauges not registered", "error", err)
	}

	// Workflow engine connection.
	eng, err := engine.Dial(engine.Config{
		Address:   cfg.EngineAddress,
		Namespace: cfg.EngineNamespace,
		TaskQueue: cfg.TaskQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close()

	// Accounting client: OAuth when configured, plain HTTP otherwise (dev).
	httpClient := http.DefaultClient
	if cfg.OAuthTokenURL != "" {
		httpClient = accounting.NewOAuthClient(ctx,
			cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRefreshToken)
	}
	acct := accounting.NewClient(cfg.AccountingURL, httpClient, logger)

	// Catalog snapshot refresher for the matcher.
	catalog := accounting.NewCatalog(acct, cfg.CatalogRefreshInterval, logger)
	if err := catalog.Load(ctx); err != nil {
		logger.Warn("initial catalog load failed, refresher will retry", "error", err)
	}
	go catalog.Run(ctx)

	// Drafter: the sweeper replays queued draft attempts through it.
	drafter := accounting.NewDrafter(acct, db, cfg.DraftMaxAttempts, logger)

	// Retry-queue sweeper.
	swp := sweeper.New(db, drafter, sweeper.Config{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: int64(cfg.SweepConcurrency),
	}, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := swp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	// Outbox publisher: drains notifications to the bot in FIFO order.
	bot := notify.NewClient(cfg.BotURL, logger)
	pub := outbox.NewPublisher(db, bot, logger)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox publisher stopped", "error", err)
		}
	}()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	srv := server.New(server.Config{
		Engine: eng,
		Cases:  db,
		JWTMgr: jwtMgr,
		Timeouts: workflow.Timeouts{
			Reminder:   cfg.TimeoutReminder,
			Escalation: cfg.TimeoutEscalation,
			MaxWait:    cfg.TimeoutMaxWait,
		},
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Order: (1) stop accepting new HTTP requests and
	// drain in-flight ones, (2) let the sweeper finish its batch, (3) flush
	// one last outbox batch so accepted notifications leave the building.
	slog.Info("rasid shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	select {
	case <-sweepDone:
	case <-time.After(10 * time.Second):
		slog.Warn("sweeper did not stop in time")
	}
	<-pubDone

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pub.PublishBatch(flushCtx); err != nil {
		slog.Warn("final outbox flush failed", "error", err)
	}
	flushCancel()

	slog.Info("rasid stopped")
	return nil
}
