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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"casework-pipeline/internal/api"
	"casework-pipeline/internal/archive"
	"casework-pipeline/internal/config"
	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/llm"
	"casework-pipeline/internal/maintenance"
	"casework-pipeline/internal/pipeline"
	"casework-pipeline/internal/push"
	"casework-pipeline/internal/queue"
	"casework-pipeline/internal/ratelimit"
	"casework-pipeline/internal/scheduled"
	"casework-pipeline/internal/store"
	"casework-pipeline/internal/syncer"
	"casework-pipeline/internal/telemetry"
	"casework-pipeline/internal/triage"
	"casework-pipeline/internal/triagecache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("env", cfg.Env)
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	repos := st.Repositories()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb)
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	client := jobs.NewClient(st, q, jobs.Options{
		PollInterval:        cfg.WorkerPollInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		ResyncInterval:      cfg.ResyncInterval,
		MaxBackoff:          cfg.MaxBackoff,
		Logger:              logger,
		Metrics:             metrics,
	})

	limiter := ratelimit.NewTokenBucket(rdb, cfg.LegacyRateCapacity, cfg.LegacyRateRefill, time.Hour,
		ratelimit.WithWaitLimit(cfg.LegacyRateWaitLimit))
	legacyClient := legacy.WithRateLimit(legacy.NewHTTPClient(cfg.LegacyAPIURL, cfg.LegacyAPIToken, cfg.LegacyTimeout), limiter)

	var analyzer triage.Analyzer
	if cfg.LLMEnabled() {
		ollama := llm.NewOllamaClient(cfg.OllamaURL)
		if !ollama.IsRunning(ctx) {
			logger.Warn("analysis service unreachable, suggestions fall back to rules until it recovers", "url", cfg.OllamaURL)
		}
		analyzer = llm.NewAnalyzer(ollama, cfg.OllamaModel, cfg.LLMTimeout, logger)
	}

	cache := triagecache.New(
		triagecache.WithTTL(cfg.TriageCacheTTL),
		triagecache.WithMaxEntries(cfg.TriageCacheMax),
		triagecache.WithMetrics(metrics),
	)

	var auditArchive maintenance.Archiver
	switch {
	case cfg.AuditArchiveBucket != "":
		s3Archive, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:    cfg.AuditArchiveBucket,
			Region:    cfg.AuditArchiveRegion,
			Endpoint:  cfg.AuditArchiveEndpoint,
			PathStyle: cfg.AuditArchivePathStyle,
		})
		if err != nil {
			return err
		}
		auditArchive = s3Archive
	case cfg.AuditArchiveDir != "":
		auditArchive = archive.NewLocal(cfg.AuditArchiveDir)
	}

	h := pipeline.Handlers{
		Sync: syncer.New(legacyClient, repos, client, syncer.Config{Logger: logger, Metrics: metrics}),
		Push: push.New(legacyClient, repos, push.Config{Logger: logger, Metrics: metrics}),
		Triage: triage.New(legacyClient, repos, cache, client, triage.Config{
			Analyzer:      analyzer,
			PrefetchAhead: cfg.PrefetchAhead,
			Logger:        logger,
			Metrics:       metrics,
		}),
		Scheduled: scheduled.New(legacyClient, repos, client, scheduled.Config{RetentionDays: cfg.RetentionDays, Logger: logger}),
		Maintenance: maintenance.New(repos.Audit, client, maintenance.Config{
			AuditRetentionDays: cfg.AuditRetentionDays,
			Archive:            auditArchive,
			Cache:              cache,
			Logger:             logger,
			Metrics:            metrics,
		}),
	}
	conc := pipeline.Concurrency{
		jobtypes.FamilySync:        cfg.ConcurrencySync,
		jobtypes.FamilyPush:        cfg.ConcurrencyPush,
		jobtypes.FamilyTriage:      cfg.ConcurrencyTriage,
		jobtypes.FamilyScheduled:   cfg.ConcurrencyScheduled,
		jobtypes.FamilyMaintenance: cfg.ConcurrencyMaintenance,
	}
	if err := pipeline.Register(client, h, conc); err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	offices, _ := cfg.Offices()
	if err := pipeline.RegisterSchedules(ctx, client, pipeline.ScheduleConfig{
		Offices:            offices,
		Timezone:           cfg.ScheduleTimezone,
		PollCron:           cfg.PollCron,
		FullSyncCron:       cfg.FullSyncCron,
		CleanupCron:        cfg.CleanupCron,
		QueueHealthCron:    cfg.QueueHealthCron,
		RetentionDays:      cfg.RetentionDays,
		AuditRetentionDays: cfg.AuditRetentionDays,
	}); err != nil {
		return err
	}

	svc := pipeline.NewService(client, cache, h.Sync, logger)
	ops := api.New(svc, client, map[string]api.Pinger{"postgres": st, "redis": q}, metrics, logger)
	servers := []*http.Server{
		{Addr: cfg.OpsAddr, Handler: ops.Router()},
		{Addr: cfg.MetricsAddr, Handler: metrics.Handler()},
	}

	logger.Info("worker started", "offices", len(offices), "llm", cfg.LLMEnabled(), "ops_addr", cfg.OpsAddr)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		if err := client.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain workers: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
