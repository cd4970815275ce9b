package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"evalgo.org/graphdeploy/internal/agents"
	"evalgo.org/graphdeploy/internal/config"
	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/internal/manifest"
	"evalgo.org/graphdeploy/internal/processor"
	"evalgo.org/graphdeploy/internal/providers"
	"evalgo.org/graphdeploy/internal/queue"
)

func queueOptions(c *config.Config) queue.Options {
	return queue.Options{
		Prefix:             c.Queue.Prefix,
		Attempts:           c.Queue.Attempts,
		Backoff:            c.Queue.Backoff,
		LockDuration:       c.Queue.LockDuration,
		MaxStalledCount:    c.Queue.MaxStalledCount,
		CompletedRetention: c.Queue.CompletedRetention,
	}
}

func pollOptions(c *config.Config) processor.PollOptions {
	return processor.PollOptions{
		Initial:    c.Worker.PollInitial,
		Multiplier: c.Worker.PollMultiplier,
		Max:        c.Worker.PollMax,
		Timeout:    c.Worker.PollTimeout,
	}
}

// connectRedis opens the queue backend and checks it answers.
func connectRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	rdb, err := queue.NewClient(c.Redis.URL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// agentClient uses the agent gateway when one is configured and the stub
// binding otherwise.
func agentClient(c *config.Config, logger *slog.Logger) agents.Client {
	if c.Agents.URL == "" {
		logger.Warn("No agent gateway configured, using stub agent client")
		return agents.NewStubClient(logger)
	}
	return agents.NewHTTPClient(c.Agents.URL, c.Agents.Timeout, logger)
}

// generator builds the manifest generator; without a graph service every
// generation fails as unavailable.
func generator(c *config.Config, logger *slog.Logger) *manifest.Generator {
	var graphs manifest.GraphProvider
	if gc := providers.NewGraphClient(c.Graph.URL, c.Graph.Timeout); gc != nil {
		graphs = gc
	} else {
		logger.Warn("No graph service configured, manifest generation is unavailable")
	}
	return manifest.NewGenerator(graphs, logger)
}

func codegen(c *config.Config) deployment.GenerationProvider {
	if cc := providers.NewCodegenClient(c.Codegen.URL, c.Codegen.Timeout); cc != nil {
		return cc
	}
	return nil
}
