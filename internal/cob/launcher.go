package cob

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/telemetry"
)

// Queue priorities partitions are enqueued under.
const (
	PriorityInline  = "inline"
	PriorityCatchUp = "catch-up"
	PriorityDefault = "default"
)

// ExecutionStore persists job executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, req models.ExecutionRequest) (models.JobExecution, error)
	GetExecution(ctx context.Context, id int64) (models.JobExecution, error)
	SetPartitionsTotal(ctx context.Context, id int64, total int) error
	FinishExecution(ctx context.Context, id int64, status string) error
	AppendAudit(ctx context.Context, executionID int64, event, detail string) error
}

// LoanRange reports the id range of loans still due.
type LoanRange interface {
	NonClosedIDRange(ctx context.Context, cobDate time.Time, catchUp bool) (models.IDRange, error)
}

// PartitionQueue hands partitions to workers.
type PartitionQueue interface {
	EnqueuePartition(ctx context.Context, p models.Partition, priority string) error
}

// JobRequest asks for one COB execution. A zero BusinessDate means the
// tenant's current business date; the run closes the day before it.
type JobRequest struct {
	BusinessDate time.Time
	CatchUp      bool
}

// Launcher starts COB executions and fans their partitions out to workers.
type Launcher struct {
	jobName     string
	execs       ExecutionStore
	loans       LoanRange
	calendar    BusinessCalendar
	partitioner *Partitioner
	queue       PartitionQueue
}

func NewLauncher(jobName string, execs ExecutionStore, loans LoanRange, calendar BusinessCalendar, partitioner *Partitioner, queue PartitionQueue) *Launcher {
	return &Launcher{jobName: jobName, execs: execs, loans: loans, calendar: calendar, partitioner: partitioner, queue: queue}
}

// JobName is the job this launcher starts.
func (l *Launcher) JobName() string { return l.jobName }

// Launch creates an execution, partitions the due id range and enqueues
// every partition.
func (l *Launcher) Launch(ctx context.Context, req JobRequest) (models.JobExecution, error) {
	businessDate := req.BusinessDate
	if businessDate.IsZero() {
		var err error
		if businessDate, err = l.calendar.BusinessDate(ctx); err != nil {
			return models.JobExecution{}, fmt.Errorf("resolve business date: %w", err)
		}
	}
	cobDate := COBDate(businessDate)

	exec, err := l.execs.CreateExecution(ctx, models.ExecutionRequest{
		JobName:      l.jobName,
		BusinessDate: cobDate,
		CatchUp:      req.CatchUp,
	})
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("create execution: %w", err)
	}

	rng, err := l.loans.NonClosedIDRange(ctx, cobDate, req.CatchUp)
	if err != nil {
		return l.abort(ctx, exec, fmt.Errorf("resolve id range: %w", err))
	}
	partitions, err := l.partitioner.Partition(ctx, l.jobName, exec.ID, &rng)
	if err != nil {
		return l.abort(ctx, exec, fmt.Errorf("partition %s: %w", rng, err))
	}

	if len(partitions) == 0 {
		if err := l.execs.FinishExecution(ctx, exec.ID, models.StatusStopped); err != nil {
			return models.JobExecution{}, fmt.Errorf("stop execution %d: %w", exec.ID, err)
		}
		_ = l.execs.AppendAudit(ctx, exec.ID, "stopped", "no business steps configured")
		return l.execs.GetExecution(ctx, exec.ID)
	}

	if err := l.execs.SetPartitionsTotal(ctx, exec.ID, len(partitions)); err != nil {
		return l.abort(ctx, exec, fmt.Errorf("record partition total: %w", err))
	}
	priority := PriorityDefault
	if req.CatchUp {
		priority = PriorityCatchUp
	}
	for _, p := range orderedPartitions(partitions) {
		if err := l.queue.EnqueuePartition(ctx, p, priority); err != nil {
			return l.abort(ctx, exec, fmt.Errorf("enqueue %s: %w", p.Key(), err))
		}
		telemetry.PartitionsEnqueued.Inc()
	}
	_ = l.execs.AppendAudit(ctx, exec.ID, "launched",
		fmt.Sprintf("cob_date=%s catch_up=%t range=%s partitions=%d", models.FormatDate(cobDate), req.CatchUp, rng, len(partitions)))
	logs.Infof("launched %s execution %d for %s: %d partitions over %s", l.jobName, exec.ID, models.FormatDate(cobDate), len(partitions), rng)

	return l.execs.GetExecution(ctx, exec.ID)
}

func (l *Launcher) abort(ctx context.Context, exec models.JobExecution, cause error) (models.JobExecution, error) {
	if err := l.execs.FinishExecution(ctx, exec.ID, models.StatusFailed); err != nil {
		logs.Errorf("fail execution %d: %+v", exec.ID, err)
	}
	_ = l.execs.AppendAudit(ctx, exec.ID, "failed", cause.Error())
	return models.JobExecution{}, cause
}

func orderedPartitions(partitions map[string]models.Partition) []models.Partition {
	out := make([]models.Partition, 0, len(partitions))
	for _, p := range partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RangeIndex < out[j].RangeIndex })
	return out
}
