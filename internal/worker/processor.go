package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/cob"
	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/queue"
	"loan-cob-scheduler/internal/store"
	"loan-cob-scheduler/internal/telemetry"
)

// ExecutionTracker records partition outcomes against their execution.
type ExecutionTracker interface {
	GetExecution(ctx context.Context, id int64) (models.JobExecution, error)
	CompletePartition(ctx context.Context, id int64, processed, failed int) (models.JobExecution, error)
	FailPartition(ctx context.Context, id int64, lastErr string) (models.JobExecution, error)
	FinishExecution(ctx context.Context, id int64, status string) error
	AppendAudit(ctx context.Context, executionID int64, event, detail string) error
	ListAudit(ctx context.Context, executionID int64) ([]models.AuditLog, error)
}

// PartitionRunner processes one partition.
type PartitionRunner interface {
	Run(ctx context.Context, p models.Partition) (cob.PartitionReport, error)
}

// SummaryExporter publishes the summary of a finished execution.
type SummaryExporter interface {
	Export(ctx context.Context, exec models.JobExecution, failures []models.AuditLog) (string, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	tracker  ExecutionTracker
	runner   PartitionRunner
	exporter SummaryExporter
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, tracker ExecutionTracker, runner PartitionRunner) *Processor {
	return NewProcessorWithID(cfg, q, tracker, runner, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, tracker ExecutionTracker, runner PartitionRunner, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		tracker:  tracker,
		runner:   runner,
		workerID: workerID,
	}
}

// WithExporter publishes a summary whenever this worker finishes an execution.
func (p *Processor) WithExporter(e SummaryExporter) *Processor {
	p.exporter = e
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.ProcessOne(ctx)
		if err != nil {
			logs.Errorf("worker %s: %+v", p.workerID, err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessOne runs queue housekeeping and at most one partition. It reports
// whether a message was taken from the queue.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		logs.Infof("requeued %d expired partition leases", len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}

	msg, err := p.queue.Load(ctx, id)
	if err != nil {
		_ = p.queue.Ack(ctx, id)
		return true, fmt.Errorf("load message %s: %w", id, err)
	}
	part := msg.Partition

	exec, err := p.tracker.GetExecution(ctx, part.ExecutionID)
	if errors.Is(err, store.ErrExecutionNotFound) {
		_ = p.queue.Ack(ctx, id)
		return true, fmt.Errorf("drop %s: %w", part.Key(), err)
	}
	if err != nil {
		return true, p.retry(ctx, msg, err)
	}
	if !exec.Running() {
		_ = p.queue.Ack(ctx, id)
		return true, nil
	}
	if exec.Status == models.StatusStopping {
		_ = p.queue.Ack(ctx, id)
		updated, err := p.tracker.FailPartition(ctx, exec.ID, "execution stopped")
		if err != nil {
			return true, err
		}
		_ = p.tracker.AppendAudit(ctx, exec.ID, "partition_skipped", part.Name)
		p.finish(ctx, updated)
		return true, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	report, err := p.runner.Run(ctx, part)
	if err != nil {
		return true, p.retry(ctx, msg, err)
	}

	if err := p.queue.Ack(ctx, id); err != nil {
		logs.Errorf("ack %s: %+v", part.Key(), err)
	}
	updated, err := p.tracker.CompletePartition(ctx, exec.ID, len(report.Processed), len(report.Failed))
	if err != nil {
		return true, fmt.Errorf("complete %s: %w", part.Key(), err)
	}
	_ = p.tracker.AppendAudit(ctx, exec.ID, "partition_completed",
		fmt.Sprintf("partition=%s worker=%s processed=%d failed=%d skipped=%d excluded=%d",
			part.Name, p.workerID, len(report.Processed), len(report.Failed), len(report.Skipped), len(report.Excluded)))
	telemetry.PartitionsCompleted.Inc()
	p.finish(ctx, updated)
	return true, nil
}

// retry schedules the message again with backoff, or dead-letters it and
// fails its partition once attempts are exhausted.
func (p *Processor) retry(ctx context.Context, msg queue.Message, cause error) error {
	part := msg.Partition
	attempts, err := p.queue.IncrAttempts(ctx, msg.ID)
	if err != nil {
		attempts = msg.Attempts + 1
	}
	msg.Attempts = attempts

	if attempts >= p.cfg.MaxAttempts {
		if err := p.queue.DeadLetter(ctx, msg, cause.Error()); err != nil {
			logs.Errorf("dead-letter %s: %+v", part.Key(), err)
		}
		telemetry.PartitionsDeadLetter.Inc()
		updated, err := p.tracker.FailPartition(ctx, part.ExecutionID, cause.Error())
		if err != nil {
			return fmt.Errorf("fail %s: %w", part.Key(), err)
		}
		_ = p.tracker.AppendAudit(ctx, part.ExecutionID, "dead_letter", fmt.Sprintf("partition=%s error=%s", part.Name, cause))
		p.finish(ctx, updated)
		return fmt.Errorf("partition %s dead-lettered after %d attempts: %w", part.Key(), attempts, cause)
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if err := p.queue.Schedule(ctx, msg.ID, nextRun); err != nil {
		return fmt.Errorf("schedule retry of %s: %w", part.Key(), err)
	}
	_ = p.tracker.AppendAudit(ctx, part.ExecutionID, "retry_scheduled",
		fmt.Sprintf("partition=%s next_run=%s attempts=%d error=%s", part.Name, nextRun.UTC().Format(time.RFC3339), attempts, cause))
	telemetry.PartitionsFailed.Inc()
	return fmt.Errorf("partition %s attempt %d: %w", part.Key(), attempts, cause)
}

// finish moves an execution whose partitions have all reported into its
// terminal status and exports the summary.
func (p *Processor) finish(ctx context.Context, exec models.JobExecution) {
	if !exec.Finished() || !exec.Running() {
		return
	}
	status := models.StatusCompleted
	switch {
	case exec.Status == models.StatusStopping:
		status = models.StatusStopped
	case exec.PartitionsFailed > 0:
		status = models.StatusFailed
	}
	if err := p.tracker.FinishExecution(ctx, exec.ID, status); err != nil {
		logs.Errorf("finish execution %d: %+v", exec.ID, err)
		return
	}
	exec.Status = status
	logs.Infof("execution %d %s: processed=%d failed=%d", exec.ID, status, exec.LoansProcessed, exec.LoansFailed)

	if p.exporter == nil {
		return
	}
	audit, err := p.tracker.ListAudit(ctx, exec.ID)
	if err != nil {
		logs.Errorf("read audit of execution %d: %+v", exec.ID, err)
		return
	}
	failures := make([]models.AuditLog, 0)
	for _, a := range audit {
		if a.Event == store.EventLoanFailed {
			failures = append(failures, a)
		}
	}
	loc, err := p.exporter.Export(ctx, exec, failures)
	if err != nil {
		logs.Errorf("export summary of execution %d: %+v", exec.ID, err)
		return
	}
	_ = p.tracker.AppendAudit(ctx, exec.ID, "summary_exported", loc)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
