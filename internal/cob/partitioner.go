package cob

import (
	"context"
	"fmt"
	"strconv"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
)

// PartitionPrefix prefixes the stable partition names partition1..partitionN.
const PartitionPrefix = "partition"

// Partitioner splits a job's id range into fixed-size chunks, each carrying
// the job's ordered business steps.
type Partitioner struct {
	steps    StepRegistry
	operator JobOperator
	size     int
}

func NewPartitioner(steps StepRegistry, operator JobOperator, partitionSize int) *Partitioner {
	return &Partitioner{steps: steps, operator: operator, size: partitionSize}
}

// Partition builds the partitions of one execution of jobName. A job with no
// configured steps has its running executions stopped and yields no work.
// A nil or {0,0} range yields a single sentinel partition.
func (p *Partitioner) Partition(ctx context.Context, jobName string, executionID int64, rng *models.IDRange) (map[string]models.Partition, error) {
	if p.size < 1 {
		return nil, ErrInvalidPartitionSize
	}
	steps, err := p.steps.BusinessSteps(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("load business steps of %s: %w", jobName, err)
	}
	if len(steps) == 0 {
		if err := p.stopRunning(ctx, jobName); err != nil {
			return nil, err
		}
		return map[string]models.Partition{}, nil
	}
	steps = SortSteps(steps)

	if rng == nil || rng.IsEmpty() {
		return map[string]models.Partition{
			partitionName(1): p.partition(jobName, executionID, 1, models.IDRange{}, steps),
		}, nil
	}
	if rng.Min > rng.Max {
		return nil, fmt.Errorf("invalid id range %s", rng)
	}

	size := int64(p.size)
	out := make(map[string]models.Partition, (rng.Size()+size-1)/size)
	index := 1
	for start := rng.Min; start <= rng.Max; start += size {
		end := start + size - 1
		if end > rng.Max || end < start {
			end = rng.Max
		}
		out[partitionName(index)] = p.partition(jobName, executionID, index, models.IDRange{Min: start, Max: end}, steps)
		index++
		if end == rng.Max {
			break
		}
	}
	return out, nil
}

func (p *Partitioner) partition(jobName string, executionID int64, index int, rng models.IDRange, steps []models.BusinessStep) models.Partition {
	own := make([]models.BusinessStep, len(steps))
	copy(own, steps)
	return models.Partition{
		ExecutionID: executionID,
		JobName:     jobName,
		Name:        partitionName(index),
		RangeIndex:  index,
		Range:       rng,
		Steps:       own,
	}
}

func (p *Partitioner) stopRunning(ctx context.Context, jobName string) error {
	running, err := p.operator.FindRunningExecutions(ctx, jobName)
	if err != nil {
		return fmt.Errorf("find running executions of %s: %w", jobName, err)
	}
	for _, id := range running {
		stopped, err := p.operator.Stop(ctx, id)
		if err != nil {
			return fmt.Errorf("stop execution %d: %w", id, err)
		}
		logs.Infof("no business steps configured for %s, stop execution %d: %v", jobName, id, stopped)
	}
	return nil
}

func partitionName(index int) string {
	return PartitionPrefix + strconv.Itoa(index)
}
