package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/graphdeploy/internal/api"
	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/internal/processor"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/reconcile"
	"evalgo.org/graphdeploy/internal/scheduler"
	"evalgo.org/graphdeploy/internal/storage"
)

var serverWithWorker bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long: `Start the HTTP API server with Echo framework.

The server also runs the queue reconciliation listener, which applies failed
and completed jobs to deployment records, and the periodic stale deployment
report. Use --with-worker to consume deployment jobs in the same process.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&serverWithWorker, "with-worker", false, "also run the deployment queue workers")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
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

	q := queue.New(rdb, cfg.Queue.Name, queueOptions(cfg), logger)
	client := agentClient(cfg, logger)

	svc := deployment.NewService(deployment.Config{
		Deployments: store.Deployments(),
		History:     store.History(),
		Queue:       q,
		Generator:   generator(cfg, logger),
		Codegen:     codegen(cfg),
		Agents:      client,
		Options: deployment.Options{
			JobName:       cfg.Queue.Name,
			MaxPerProject: cfg.Deployments.MaxPerProject,
		},
		Logger: logger,
	})

	server := api.New(cfg, api.Options{
		Deployments: svc,
		Events:      q,
		Checks: map[string]api.HealthCheck{
			"database": store.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Logger: logger,
	})

	listener := reconcile.NewListener(q, store.Deployments(), logger)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error("Reconciliation listener stopped", "error", err)
		}
	}()

	sched := scheduler.New(store.Deployments(), q, cfg.Scheduler.Interval, cfg.Scheduler.StaleAfter, logger)
	sched.Start(ctx)
	defer sched.Stop()

	workersDone := make(chan struct{})
	if serverWithWorker {
		proc := processor.New(store.Deployments(), client, pollOptions(cfg), logger)
		registry := queue.Registry{}
		registry.Register(cfg.Queue.Name, proc.Handle)
		go func() {
			defer close(workersDone)
			if err := queue.RunWorkers(ctx, rdb, registry, queueOptions(cfg), cfg.Queue.Concurrency, logger); err != nil {
				logger.Error("Queue workers stopped", "error", err)
			}
		}()
	} else {
		close(workersDone)
	}

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		<-workersDone
		return nil

	case err := <-errChan:
		stop()
		<-workersDone
		return fmt.Errorf("server error: %w", err)
	}
}
