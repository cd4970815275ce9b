package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/graphdeploy/internal/processor"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/storage"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the deployment queue workers",
	Long: `Consume deployment jobs: send each manifest to its agent and follow the
deployment status until it settles or the polling deadline is reached.

Failed attempts are retried with exponential backoff up to queue.attempts;
validation failures are not retried.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "jobs processed at once (default: queue.concurrency)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	concurrency := cfg.Queue.Concurrency
	if workerConcurrency > 0 {
		concurrency = workerConcurrency
	}

	proc := processor.New(store.Deployments(), agentClient(cfg, logger), pollOptions(cfg), logger)

	registry := queue.Registry{}
	registry.Register(cfg.Queue.Name, proc.Handle)

	logger.Info("Starting deployment workers",
		"queues", len(registry),
		"concurrency", concurrency,
		"agents", cfg.Agents.URL)

	if err := queue.RunWorkers(ctx, rdb, registry, queueOptions(cfg), concurrency, logger); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}

	logger.Info("Deployment workers stopped")
	return nil
}
