package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yanun0323/logs"

	api "loan-cob-scheduler/internal/api"
	"loan-cob-scheduler/internal/app"
	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/ratelimit"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	pipeline, err := app.Open(ctx, cfg)
	if err != nil {
		logs.Errorf("init pipeline: %+v", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	if err := pipeline.SeedSteps(ctx, cfg.BusinessStepsFile); err != nil {
		logs.Errorf("seed business steps: %+v", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewTokenBucket(pipeline.Queue.Client(),
		ratelimit.Policy{Capacity: cfg.RateLimitCapacity, RefillPerSecond: cfg.RateLimitRefill}, time.Hour)
	for _, entry := range cfg.RateLimitRoutes {
		route, policy, err := ratelimit.ParseRoute(entry)
		if err != nil {
			logs.Errorf("skip rate limit override: %+v", err)
			continue
		}
		limiter.WithRoute(route, policy)
		logs.Infof("rate limit %s: capacity=%d refill=%.4f/s", route, policy.Capacity, policy.RefillPerSecond)
	}

	server := api.New(cfg, api.Deps{
		Executions: pipeline.Store,
		Launcher:   pipeline.Launcher,
		CatchUp:    pipeline.CatchUp,
		Inline:     pipeline.Inline,
		Transfers:  pipeline.Transfers,
		DLQ:        pipeline.Queue,
		Limiter:    limiter,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logs.Infof("api listening on :%s (job=%s partition_size=%d)", cfg.HTTPPort, cfg.JobName, cfg.PartitionSize)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("listen: %+v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	pipeline.CatchUp.Wait()
}
