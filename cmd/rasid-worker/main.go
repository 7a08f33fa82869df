package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/worker"

	"github.com/sahab-io/rasid/internal/accounting"
	"github.com/sahab-io/rasid/internal/blob"
	"github.com/sahab-io/rasid/internal/committee"
	"github.com/sahab-io/rasid/internal/config"
	"github.com/sahab-io/rasid/internal/engine"
	"github.com/sahab-io/rasid/internal/parser"
	"github.com/sahab-io/rasid/internal/storage"
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
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("rasid worker starting", "version", version, "task_queue", cfg.TaskQueue)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// The API server owns migrations in normal deployments; applying here too
	// keeps a standalone worker usable and is a no-op when already applied.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	blobs, err := blob.Open(ctx, cfg.BlobConnectionString)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	httpClient := http.DefaultClient
	if cfg.OAuthTokenURL != "" {
		httpClient = accounting.NewOAuthClient(ctx,
			cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRefreshToken)
	}
	acct := accounting.NewClient(cfg.AccountingURL, httpClient, logger)

	catalog := accounting.NewCatalog(acct, cfg.CatalogRefreshInterval, logger)
	if err := catalog.Load(ctx); err != nil {
		logger.Warn("initial catalog load failed, refresher will retry", "error", err)
	}
	go catalog.Run(ctx)

	var lookup *accounting.Lookup
	if rdb := newRedisClient(cfg.RedisURL, logger); rdb != nil {
		defer func() { _ = rdb.Close() }()
		lookup = accounting.NewLookup(acct, rdb, cfg.LookupCacheTTL, cfg.LookupNegativeTTL, logger)
	} else {
		logger.Info("lookup cache disabled (no REDIS_URL); selections pass unvalidated")
	}

	opts := parser.DefaultOptions()
	opts.MaxRows = cfg.MaxRows

	activities := &workflow.Activities{
		DB:        db,
		Blobs:     blobs,
		Parser:    parser.New(opts),
		Catalog:   catalog,
		Lookup:    lookup,
		Drafter:   accounting.NewDrafter(acct, db, cfg.DraftMaxAttempts, logger),
		Committee: committee.NewClient(cfg.CommitteeURL, logger),
		Fetcher:   &http.Client{Timeout: 30 * time.Second},
		Logger:    logger,
	}

	eng, err := engine.Dial(engine.Config{
		Address:   cfg.EngineAddress,
		Namespace: cfg.EngineNamespace,
		TaskQueue: cfg.TaskQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close()

	w := worker.New(eng.Client(), cfg.TaskQueue, worker.Options{})
	workflow.Register(w, activities)

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker start: %w", err)
	}

	<-ctx.Done()
	slog.Info("rasid worker shutting down")
	w.Stop()
	slog.Info("rasid worker stopped")
	return nil
}

// newRedisClient parses REDIS_URL. The lookup cache is optional; a nil
// client means cache-off.
func newRedisClient(url string, logger *slog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid REDIS_URL, lookup cache disabled", "error", err)
		return nil
	}
	return redis.NewClient(opts)
}
