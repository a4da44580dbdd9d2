package cob

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-cob-scheduler/internal/models"
)

func chunkContext() BusinessContext {
	return BusinessContext{ExecutionID: 1, JobName: testJob, BusinessDate: date("2024-03-01"), Owner: models.LockOwnerChunk}
}

func lockAll(t *testing.T, locks *fakeLocks, ids ...int64) {
	t.Helper()
	require.NoError(t, locks.CreateLocks(context.Background(), ids, models.LockOwnerChunk, date("2024-03-01")))
}

func TestExecuteFoldsStepsInOrder(t *testing.T) {
	var order []string
	first := &funcStep{name: "FIRST", fn: func(l *models.Loan) (*models.Loan, error) {
		order = append(order, "FIRST")
		l.TotalOutstanding = l.TotalOutstanding.Add(decimal.NewFromInt(1))
		return l, nil
	}}
	second := &funcStep{name: "SECOND", fn: func(l *models.Loan) (*models.Loan, error) {
		order = append(order, "SECOND")
		assert.True(t, l.TotalOutstanding.Equal(decimal.NewFromInt(101)))
		return l, nil
	}}
	loans := newFakeLoans(1)
	locks := newFakeLocks()
	lockAll(t, locks, 1)

	exec := NewExecutor(loans, locks, NewRegistry(first, second), &fakeReporter{})
	res, err := exec.Execute(context.Background(), chunkContext(),
		[]models.BusinessStep{{Name: "SECOND", Order: 2}, {Name: "FIRST", Order: 1}}, []int64{1})
	require.NoError(t, err)

	assert.Equal(t, []string{"FIRST", "SECOND"}, order)
	assert.Equal(t, []int64{1}, res.Processed)
	assert.Equal(t, date("2024-03-01"), loans.closed[1])
	assert.Empty(t, locks.owners())
}

func TestExecuteContainsFailuresPerLoan(t *testing.T) {
	boom := errors.New("boom")
	failing := &funcStep{name: "FAILING", fn: func(l *models.Loan) (*models.Loan, error) {
		if l.ID == 2 {
			return nil, boom
		}
		return l, nil
	}}
	after := &funcStep{name: "AFTER"}
	loans := newFakeLoans(1, 2, 3)
	locks := newFakeLocks()
	lockAll(t, locks, 1, 2, 3)
	reporter := &fakeReporter{}

	exec := NewExecutor(loans, locks, NewRegistry(failing, after), reporter)
	res, err := exec.Execute(context.Background(), chunkContext(),
		[]models.BusinessStep{{Name: "FAILING", Order: 1}, {Name: "AFTER", Order: 2}}, []int64{3, 1, 2})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, failing.calls)
	assert.Equal(t, []int64{1, 3}, after.calls)
	assert.Equal(t, []int64{1, 3}, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, LoanFailure{LoanID: 2, Step: "FAILING", Error: "boom"}, res.Failed[0])
	assert.Equal(t, []recordedFailure{{loanID: 2, step: "FAILING"}}, reporter.failures)
	assert.NotContains(t, loans.closed, int64(2))
	assert.Equal(t, []int64{1, 2, 3}, locks.released)
}

func TestExecuteMissingLoanIsPerLoanFailure(t *testing.T) {
	loans := newFakeLoans(1)
	locks := newFakeLocks()
	lockAll(t, locks, 1, 9)

	exec := NewExecutor(loans, locks, NewRegistry(&funcStep{name: "A"}), &fakeReporter{})
	res, err := exec.Execute(context.Background(), chunkContext(), []models.BusinessStep{{Name: "A", Order: 1}}, []int64{1, 9})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, int64(9), res.Failed[0].LoanID)
	assert.Empty(t, locks.owners())
}

func TestExecuteSkipsLoansAlreadyClosed(t *testing.T) {
	loans := newFakeLoans(1)
	closed := date("2024-03-01")
	loans.loans[1].LastClosedBusinessDate = &closed
	locks := newFakeLocks()
	lockAll(t, locks, 1)
	step := &funcStep{name: "A"}

	res, err := NewExecutor(loans, locks, NewRegistry(step), nil).
		Execute(context.Background(), chunkContext(), []models.BusinessStep{{Name: "A", Order: 1}}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Skipped)
	assert.Empty(t, step.calls)
	assert.Empty(t, locks.owners())
}

func TestExecuteStoreFailureReleasesRemainingLocks(t *testing.T) {
	loans := newFakeLoans(1, 2, 3)
	loans.loadErr[2] = errStore
	locks := newFakeLocks()
	lockAll(t, locks, 1, 2, 3)

	res, err := NewExecutor(loans, locks, NewRegistry(&funcStep{name: "A"}), nil).
		Execute(context.Background(), chunkContext(), []models.BusinessStep{{Name: "A", Order: 1}}, []int64{1, 2, 3})
	require.ErrorIs(t, err, errStore)
	assert.Equal(t, []int64{1}, res.Processed)
	assert.Empty(t, locks.owners())
}

func TestExecuteUnknownStepReleasesLocks(t *testing.T) {
	locks := newFakeLocks()
	lockAll(t, locks, 1, 2)

	_, err := NewExecutor(newFakeLoans(1, 2), locks, NewRegistry(), nil).
		Execute(context.Background(), chunkContext(), []models.BusinessStep{{Name: "MISSING", Order: 1}}, []int64{1, 2})
	require.ErrorIs(t, err, ErrUnknownStep)
	assert.Empty(t, locks.owners())
}

func TestExecuteKeepsOtherOwnersLocks(t *testing.T) {
	locks := newFakeLocks(lockOn(1, models.LockOwnerInline))

	_, err := NewExecutor(newFakeLoans(1), locks, NewRegistry(&funcStep{name: "A"}), nil).
		Execute(context.Background(), chunkContext(), []models.BusinessStep{{Name: "A", Order: 1}}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, models.LockOwnerInline, locks.owners()[1])
}
