package cob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-cob-scheduler/internal/models"
)

type fakeCalendar struct{ day time.Time }

func (f fakeCalendar) BusinessDate(context.Context) (time.Time, error) { return f.day, nil }

// fakeExecutions keeps executions in memory. When settle is set, reads
// report every execution in that status, as if workers finished at once.
type fakeExecutions struct {
	mu       sync.Mutex
	execs    map[int64]*models.JobExecution
	requests []models.ExecutionRequest
	audit    []string
	settle   string

	oldest       time.Time
	oldestIDs    []int64
	hasOldest    bool
	catchUpInDB  bool
	rangeByCatch map[bool]models.IDRange
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{execs: map[int64]*models.JobExecution{}, rangeByCatch: map[bool]models.IDRange{}}
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req models.ExecutionRequest) (models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	exec := &models.JobExecution{
		ID:           int64(len(f.requests)),
		JobName:      req.JobName,
		Status:       models.StatusStarted,
		BusinessDate: req.BusinessDate,
		CatchUp:      req.CatchUp,
	}
	f.execs[exec.ID] = exec
	return *exec, nil
}

func (f *fakeExecutions) GetExecution(_ context.Context, id int64) (models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := *f.execs[id]
	if f.settle != "" && exec.Running() {
		exec.Status = f.settle
	}
	return exec, nil
}

func (f *fakeExecutions) SetPartitionsTotal(_ context.Context, id int64, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[id].PartitionsTotal = total
	return nil
}

func (f *fakeExecutions) FinishExecution(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[id].Status = status
	return nil
}

func (f *fakeExecutions) AppendAudit(_ context.Context, _ int64, event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, event)
	return nil
}

func (f *fakeExecutions) NonClosedIDRange(_ context.Context, _ time.Time, catchUp bool) (models.IDRange, error) {
	return f.rangeByCatch[catchUp], nil
}

func (f *fakeExecutions) RunningCatchUp(context.Context, string) (bool, error) {
	return f.catchUpInDB, nil
}

func (f *fakeExecutions) OldestCOBProcessed(context.Context) (time.Time, []int64, bool, error) {
	return f.oldest, f.oldestIDs, f.hasOldest, nil
}

type enqueued struct {
	partition models.Partition
	priority  string
}

type fakeQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (f *fakeQueue) EnqueuePartition(_ context.Context, p models.Partition, priority string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, enqueued{partition: p, priority: priority})
	return nil
}

func TestLaunchEnqueuesPartitionsInOrder(t *testing.T) {
	execs := newFakeExecutions()
	execs.rangeByCatch[false] = models.IDRange{Min: 1, Max: 25}
	queue := &fakeQueue{}
	l := NewLauncher(testJob, execs, execs, fakeCalendar{day: date("2024-03-02")}, NewPartitioner(testSteps(), &fakeOperator{}, 10), queue)

	exec, err := l.Launch(context.Background(), JobRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusStarted, exec.Status)
	assert.Equal(t, 3, exec.PartitionsTotal)
	assert.Equal(t, date("2024-03-01"), execs.requests[0].BusinessDate)
	assert.False(t, execs.requests[0].CatchUp)
	require.Len(t, queue.items, 3)
	for i, item := range queue.items {
		assert.Equal(t, i+1, item.partition.RangeIndex)
		assert.Equal(t, exec.ID, item.partition.ExecutionID)
		assert.Equal(t, PriorityDefault, item.priority)
	}
	assert.Equal(t, models.IDRange{Min: 21, Max: 25}, queue.items[2].partition.Range)
}

func TestLaunchCatchUpUsesCatchUpPriority(t *testing.T) {
	execs := newFakeExecutions()
	queue := &fakeQueue{}
	l := NewLauncher(testJob, execs, execs, fakeCalendar{}, NewPartitioner(testSteps(), &fakeOperator{}, 10), queue)

	_, err := l.Launch(context.Background(), JobRequest{BusinessDate: date("2024-02-28"), CatchUp: true})
	require.NoError(t, err)
	assert.Equal(t, date("2024-02-27"), execs.requests[0].BusinessDate)
	require.Len(t, queue.items, 1)
	assert.True(t, queue.items[0].partition.Range.IsEmpty())
	assert.Equal(t, PriorityCatchUp, queue.items[0].priority)
}

func TestLaunchWithoutStepsStopsExecution(t *testing.T) {
	execs := newFakeExecutions()
	execs.rangeByCatch[false] = models.IDRange{Min: 1, Max: 5}
	queue := &fakeQueue{}
	l := NewLauncher(testJob, execs, execs, fakeCalendar{day: date("2024-03-02")}, NewPartitioner(&fakeSteps{}, &fakeOperator{}, 10), queue)

	exec, err := l.Launch(context.Background(), JobRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, exec.Status)
	assert.Empty(t, queue.items)
}
