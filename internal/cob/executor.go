package cob

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/telemetry"
)

// LoanFailure records a loan whose chain did not complete.
type LoanFailure struct {
	LoanID int64  `json:"loan_id"`
	Step   string `json:"step"`
	Error  string `json:"error"`
}

// ExecutionResult summarises one executor pass.
type ExecutionResult struct {
	Processed []int64       `json:"processed"`
	Skipped   []int64       `json:"skipped"`
	Failed    []LoanFailure `json:"failed"`
}

// Executor threads admitted loans through the business step chain.
type Executor struct {
	loans    LoanStore
	locks    LockStore
	registry *Registry
	reporter FailureReporter
}

func NewExecutor(loans LoanStore, locks LockStore, registry *Registry, reporter FailureReporter) *Executor {
	return &Executor{loans: loans, locks: locks, registry: registry, reporter: reporter}
}

// Execute runs the chain for each id in ascending order. A failing step
// drops only its loan; a store failure ends the pass and is returned. Every
// lock this run took on ids is released on all exit paths.
func (e *Executor) Execute(ctx context.Context, bc BusinessContext, specs []models.BusinessStep, ids []int64) (result ExecutionResult, err error) {
	result = ExecutionResult{Processed: []int64{}, Skipped: []int64{}, Failed: []LoanFailure{}}

	pending := slices.Clone(ids)
	slices.Sort(pending)
	pending = slices.Compact(pending)
	defer func() {
		if len(pending) == 0 {
			return
		}
		if relErr := e.locks.ReleaseLocks(context.WithoutCancel(ctx), pending, bc.Owner); relErr != nil {
			logs.Errorf("release %d remaining locks of execution %d: %+v", len(pending), bc.ExecutionID, relErr)
			if err == nil {
				err = fmt.Errorf("release remaining locks: %w", relErr)
			}
		}
	}()

	chain, err := e.registry.Chain(specs)
	if err != nil {
		return result, err
	}

	for len(pending) > 0 {
		id := pending[0]
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := e.process(ctx, bc, chain, id)
		if err != nil {
			return result, err
		}
		switch {
		case outcome.skipped:
			result.Skipped = append(result.Skipped, id)
		case outcome.failure != nil:
			result.Failed = append(result.Failed, *outcome.failure)
		default:
			result.Processed = append(result.Processed, id)
		}

		if err := e.locks.ReleaseLock(ctx, id, bc.Owner); err != nil {
			return result, fmt.Errorf("release lock of loan %d: %w", id, err)
		}
		pending = pending[1:]
	}
	return result, nil
}

type loanOutcome struct {
	skipped bool
	failure *LoanFailure
}

func (e *Executor) process(ctx context.Context, bc BusinessContext, chain []Step, id int64) (loanOutcome, error) {
	loan, err := e.loans.LoadLoan(ctx, id)
	if errors.Is(err, models.ErrLoanNotFound) {
		return e.fail(ctx, bc, &StepError{LoanID: id, Step: "LOAD", Err: err}), nil
	}
	if err != nil {
		return loanOutcome{}, fmt.Errorf("load loan %d: %w", id, err)
	}
	if last := loan.LastClosedBusinessDate; last != nil && !models.DateOf(*last).Before(models.DateOf(bc.BusinessDate)) {
		return loanOutcome{skipped: true}, nil
	}

	for _, step := range chain {
		next, err := step.Execute(ctx, bc, loan)
		if err != nil {
			return e.fail(ctx, bc, &StepError{LoanID: id, Step: step.Name(), Err: err}), nil
		}
		if next != nil {
			loan = next
		}
	}

	if err := e.loans.MarkClosedAsOf(ctx, id, bc.BusinessDate); err != nil {
		return loanOutcome{}, fmt.Errorf("mark loan %d closed as of %s: %w", id, models.FormatDate(bc.BusinessDate), err)
	}
	telemetry.LoansProcessed.Inc()
	return loanOutcome{}, nil
}

func (e *Executor) fail(ctx context.Context, bc BusinessContext, stepErr *StepError) loanOutcome {
	logs.Errorf("execution %d: %+v", bc.ExecutionID, stepErr)
	telemetry.LoansFailed.WithLabelValues(stepErr.Step).Inc()
	if e.reporter != nil {
		if err := e.reporter.RecordLoanFailure(ctx, bc.ExecutionID, stepErr.LoanID, stepErr.Step, stepErr.Err); err != nil {
			logs.Errorf("record failure of loan %d: %+v", stepErr.LoanID, err)
		}
	}
	return loanOutcome{failure: &LoanFailure{LoanID: stepErr.LoanID, Step: stepErr.Step, Error: stepErr.Err.Error()}}
}
