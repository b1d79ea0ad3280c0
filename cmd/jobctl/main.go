package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"casework-pipeline/internal/config"
	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/pipeline"
	"casework-pipeline/internal/queue"
	"casework-pipeline/internal/shadow"
	"casework-pipeline/internal/store"
)

var (
	officeFlag string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Submit and inspect casework pipeline jobs",
	Long: `jobctl talks to the pipeline's Postgres and Redis directly. It only
submits and inspects jobs; handlers run in the worker process.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&officeFlag, "office", os.Getenv("JOBCTL_OFFICE"), "office id (default $JOBCTL_OFFICE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log submissions")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// backend is what a command needs: the facade plus the raw client for queue
// maintenance.
type backend struct {
	svc   *pipeline.Service
	jobs  *jobs.Client
	close func()
}

// openBackend connects a submit-only client. Tests replace it.
var openBackend = func(ctx context.Context) (*backend, error) {
	cfg := config.Load()
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	client := jobs.NewClient(st, queue.NewRedisQueue(rdb), jobs.Options{Logger: logger, SubmitOnly: true})
	if err := client.Start(ctx); err != nil {
		_ = rdb.Close()
		st.Close()
		return nil, fmt.Errorf("start job client: %w", err)
	}
	repos := st.Repositories()
	return &backend{
		svc:  pipeline.NewService(client, nil, statusCanceller{repos.SyncStatus}, logger),
		jobs: client,
		close: func() {
			_ = client.Stop(context.Background())
			_ = rdb.Close()
			st.Close()
		},
	}, nil
}

// statusCanceller flips the cancellation flag the running sync checks between
// pages.
type statusCanceller struct {
	status shadow.SyncStatusRepository
}

func (c statusCanceller) RequestCancel(ctx context.Context, office models.OfficeID, entity models.EntityType) error {
	return c.status.SetCancelled(ctx, office, entity, true)
}

func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(ctx, b)
}

func office() (models.OfficeID, error) {
	if officeFlag == "" {
		return "", fmt.Errorf("--office is required")
	}
	return models.ParseOfficeID(officeFlag)
}
