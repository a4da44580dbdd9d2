package cob

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
)

// BusinessCalendar reports the tenant's current business date.
type BusinessCalendar interface {
	BusinessDate(ctx context.Context) (time.Time, error)
}

// COBDate is the date a COB run started on businessDate closes.
func COBDate(businessDate time.Time) time.Time {
	return models.DateOf(businessDate).AddDate(0, 0, -1)
}

// PartitionReport is the outcome of one partition run.
type PartitionReport struct {
	Partition string           `json:"partition"`
	Owner     models.LockOwner `json:"owner"`
	COBDate   string           `json:"cob_date"`
	Resolved  int              `json:"resolved"`
	Excluded  []int64          `json:"excluded"`
	ExecutionResult
}

// PartitionRunner drives one partition through resolve, lock and execute.
type PartitionRunner struct {
	params   JobParameters
	resolver *Resolver
	locking  *LockingStage
	executor *Executor
}

func NewPartitionRunner(params JobParameters, resolver *Resolver, locking *LockingStage, executor *Executor) *PartitionRunner {
	return &PartitionRunner{params: params, resolver: resolver, locking: locking, executor: executor}
}

// Run processes p. Errors are fatal to the partition; per-loan failures are
// reported in the result.
func (r *PartitionRunner) Run(ctx context.Context, p models.Partition) (PartitionReport, error) {
	cobDate, err := RunDate(ctx, r.params, p.ExecutionID)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("resolve run date of execution %d: %w", p.ExecutionID, err)
	}
	catchUp, err := CatchUpFlag(ctx, r.params, p.ExecutionID)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("resolve catch-up flag of execution %d: %w", p.ExecutionID, err)
	}

	ids, err := r.resolver.Resolve(ctx, p.Range, cobDate, catchUp)
	if err != nil {
		return PartitionReport{}, err
	}
	report := PartitionReport{Partition: p.Name, Owner: models.OwnerFor(catchUp), COBDate: models.FormatDate(cobDate), Resolved: len(ids)}
	if len(ids) == 0 {
		report.ExecutionResult = ExecutionResult{Processed: []int64{}, Skipped: []int64{}, Failed: []LoanFailure{}}
		report.Excluded = []int64{}
		return report, nil
	}

	locked, err := r.locking.Apply(ctx, p, ids, cobDate)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("lock partition %s: %w", p.Key(), err)
	}
	report.Owner = locked.Owner
	report.Excluded = locked.Excluded

	bc := BusinessContext{
		ExecutionID:  p.ExecutionID,
		JobName:      p.JobName,
		BusinessDate: cobDate,
		CatchUp:      catchUp,
		Owner:        locked.Owner,
	}
	res, err := r.executor.Execute(ctx, bc, p.Steps, locked.Admitted)
	report.ExecutionResult = res
	if err != nil {
		return report, fmt.Errorf("execute partition %s: %w", p.Key(), err)
	}
	logs.Infof("partition %s done: resolved=%d excluded=%d processed=%d failed=%d skipped=%d",
		p.Key(), len(ids), len(locked.Excluded), len(res.Processed), len(res.Failed), len(res.Skipped))
	return report, nil
}

// InlineRunner runs COB for an explicit set of loans outside any batch
// execution, under the inline owner.
type InlineRunner struct {
	jobName  string
	steps    StepRegistry
	calendar BusinessCalendar
	locking  *LockingStage
	executor *Executor
}

func NewInlineRunner(jobName string, steps StepRegistry, calendar BusinessCalendar, locking *LockingStage, executor *Executor) *InlineRunner {
	return &InlineRunner{jobName: jobName, steps: steps, calendar: calendar, locking: locking, executor: executor}
}

// Run locks and processes ids as of the current COB date. Loans locked by
// another inline run are reported as excluded.
func (r *InlineRunner) Run(ctx context.Context, ids []int64) (PartitionReport, error) {
	businessDate, err := r.calendar.BusinessDate(ctx)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("resolve business date: %w", err)
	}
	cobDate := COBDate(businessDate)
	specs, err := r.steps.BusinessSteps(ctx, r.jobName)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("load business steps of %s: %w", r.jobName, err)
	}

	locked, err := r.locking.ApplyAs(ctx, models.LockOwnerInline, ids, cobDate)
	if err != nil {
		return PartitionReport{}, fmt.Errorf("lock inline loans: %w", err)
	}
	report := PartitionReport{
		Partition: "inline",
		Owner:     models.LockOwnerInline,
		COBDate:   models.FormatDate(cobDate),
		Resolved:  len(ids),
		Excluded:  locked.Excluded,
	}
	bc := BusinessContext{JobName: r.jobName, BusinessDate: cobDate, Owner: models.LockOwnerInline}
	res, err := r.executor.Execute(ctx, bc, specs, locked.Admitted)
	report.ExecutionResult = res
	if err != nil {
		return report, fmt.Errorf("execute inline loans: %w", err)
	}
	return report, nil
}
