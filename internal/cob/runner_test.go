package cob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-cob-scheduler/internal/models"
)

func TestPartitionRunnerRunsPipeline(t *testing.T) {
	loans := newFakeLoans(1, 2, 3, 4)
	locks := newFakeLocks(lockOn(3, models.LockOwnerInline))
	params := runParams("2024-03-01", false)
	step := &funcStep{name: "A"}
	runner := NewPartitionRunner(params, NewResolver(loans), NewLockingStage(locks, params, 100),
		NewExecutor(loans, locks, NewRegistry(step), &fakeReporter{}))

	report, err := runner.Run(context.Background(), models.Partition{
		ExecutionID: 1,
		JobName:     testJob,
		Name:        "partition1",
		Range:       models.IDRange{Min: 1, Max: 4},
		Steps:       []models.BusinessStep{{Name: "A", Order: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.LockOwnerChunk, report.Owner)
	assert.Equal(t, 4, report.Resolved)
	assert.Equal(t, []int64{3}, report.Excluded)
	assert.Equal(t, []int64{1, 2, 4}, report.Processed)
	assert.Equal(t, []int64{1, 2, 4}, step.calls)
	assert.Equal(t, map[int64]models.LockOwner{3: models.LockOwnerInline}, locks.owners())
}

func TestPartitionRunnerSentinel(t *testing.T) {
	params := runParams("2024-03-01", false)
	locks := newFakeLocks()
	runner := NewPartitionRunner(params, NewResolver(&countingReader{}), NewLockingStage(locks, params, 100),
		NewExecutor(newFakeLoans(), locks, NewRegistry(), nil))

	report, err := runner.Run(context.Background(), models.Partition{ExecutionID: 1, Name: "partition1"})
	require.NoError(t, err)
	assert.Zero(t, report.Resolved)
	assert.Empty(t, locks.findCalls)
}

func TestPartitionRunnerNeedsRunDate(t *testing.T) {
	params := fakeParams{}
	locks := newFakeLocks()
	runner := NewPartitionRunner(params, NewResolver(&countingReader{}), NewLockingStage(locks, params, 100),
		NewExecutor(newFakeLoans(), locks, NewRegistry(), nil))

	_, err := runner.Run(context.Background(), models.Partition{ExecutionID: 1, Range: models.IDRange{Min: 1, Max: 2}})
	require.ErrorIs(t, err, ErrMissingBusinessDate)
}

func TestInlineRunnerUsesInlineOwner(t *testing.T) {
	loans := newFakeLoans(1, 2)
	locks := newFakeLocks(lockOn(1, models.LockOwnerCatchUp))
	step := &funcStep{name: "A"}
	steps := &fakeSteps{steps: map[string][]models.BusinessStep{testJob: {{Name: "A", Order: 1}}}}
	runner := NewInlineRunner(testJob, steps, fakeCalendar{day: date("2024-03-02")},
		NewLockingStage(locks, fakeParams{}, 100), NewExecutor(loans, locks, NewRegistry(step), nil))

	report, err := runner.Run(context.Background(), []int64{2, 1})
	require.NoError(t, err)

	assert.Equal(t, models.LockOwnerInline, report.Owner)
	assert.Equal(t, "2024-03-01", report.COBDate)
	assert.Equal(t, []int64{1, 2}, report.Processed)
	assert.Empty(t, report.Excluded)
	assert.Empty(t, locks.owners())
	assert.Equal(t, date("2024-03-01"), loans.closed[2])
}
