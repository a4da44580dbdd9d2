// Package cob implements the loan close-of-business pipeline: partitioning
// the id space, resolving due loans, locking accounts, running the business
// step chain and replaying missed business dates.
package cob

import (
	"context"
	"strconv"
	"time"

	"loan-cob-scheduler/internal/models"
)

// BusinessContext is established once per job invocation and threaded into
// every resolver and step call. It is never mutated mid-run.
type BusinessContext struct {
	ExecutionID  int64
	JobName      string
	BusinessDate time.Time
	CatchUp      bool
	Owner        models.LockOwner
}

// StepRegistry returns the business steps configured for a job.
type StepRegistry interface {
	BusinessSteps(ctx context.Context, jobName string) ([]models.BusinessStep, error)
}

// JobOperator locates and stops job executions.
type JobOperator interface {
	FindRunningExecutions(ctx context.Context, jobName string) ([]int64, error)
	Stop(ctx context.Context, executionID int64) (bool, error)
}

// JobParameters resolves custom parameters scoped to an execution.
type JobParameters interface {
	CustomParameter(ctx context.Context, executionID int64, name string) (string, bool, error)
}

// LoanIDReader lists loans still due in an id range.
type LoanIDReader interface {
	ListNonClosedIDsInRange(ctx context.Context, rng models.IDRange, cobDate time.Time, catchUp bool) ([]int64, error)
}

// LoanStore loads loans and records their progress.
type LoanStore interface {
	LoadLoan(ctx context.Context, id int64) (*models.Loan, error)
	MarkClosedAsOf(ctx context.Context, loanID int64, cobDate time.Time) error
}

// LockStore owns account locks.
type LockStore interface {
	FindLocks(ctx context.Context, ids []int64) ([]models.AccountLock, error)
	CreateLocks(ctx context.Context, ids []int64, owner models.LockOwner, asOf time.Time) error
	ReleaseLock(ctx context.Context, id int64, owner models.LockOwner) error
	ReleaseLocks(ctx context.Context, ids []int64, owner models.LockOwner) error
}

// FailureReporter records loans that dropped out of their step chain.
type FailureReporter interface {
	RecordLoanFailure(ctx context.Context, executionID, loanID int64, step string, cause error) error
}

// CatchUpFlag reads the is-catch-up parameter of an execution. A missing or
// unparsable value means a normal run.
func CatchUpFlag(ctx context.Context, params JobParameters, executionID int64) (bool, error) {
	v, ok, err := params.CustomParameter(ctx, executionID, models.ParamCatchUp)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, nil
	}
	return b, nil
}

// RunDate reads the COB date an execution processes.
func RunDate(ctx context.Context, params JobParameters, executionID int64) (time.Time, error) {
	v, ok, err := params.CustomParameter(ctx, executionID, models.ParamBusinessDate)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrMissingBusinessDate
	}
	return models.ParseDate(v)
}
