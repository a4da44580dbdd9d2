package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/app"
	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/report"
	"loan-cob-scheduler/internal/telemetry"
	workerproc "loan-cob-scheduler/internal/worker"
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

	exporter, err := report.New(ctx, cfg)
	if err != nil {
		logs.Errorf("init summary exporter: %+v", err)
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, pipeline.Queue, pipeline.Store, pipeline.Partition, workerID).
		WithExporter(exporter)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logs.Errorf("metrics server stopped: %+v", err)
		}
	}()

	logs.Infof("worker %s started with visibility=%s backoff_initial=%s max_attempts=%d",
		workerID, cfg.VisibilityTimeout, cfg.BackoffInitial, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil {
		logs.Infof("worker stopped: %v", err)
	}
}
