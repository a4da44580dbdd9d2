package cob

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/telemetry"
)

// LockResult is what the locking stage hands to the executor.
type LockResult struct {
	Owner    models.LockOwner
	Admitted []int64
	Excluded []int64
}

// LockingStage excludes accounts held by an owner of equal or higher priority
// and locks the rest for the current run.
type LockingStage struct {
	locks         LockStore
	params        JobParameters
	inClauseLimit int
}

func NewLockingStage(locks LockStore, params JobParameters, inClauseLimit int) *LockingStage {
	if inClauseLimit < 1 {
		inClauseLimit = 1000
	}
	return &LockingStage{locks: locks, params: params, inClauseLimit: inClauseLimit}
}

// Apply locks ids for the partition's execution. The owner follows the
// execution's catch-up parameter.
func (s *LockingStage) Apply(ctx context.Context, p models.Partition, ids []int64, asOf time.Time) (LockResult, error) {
	catchUp, err := CatchUpFlag(ctx, s.params, p.ExecutionID)
	if err != nil {
		return LockResult{}, fmt.Errorf("resolve catch-up flag of execution %d: %w", p.ExecutionID, err)
	}
	return s.ApplyAs(ctx, models.OwnerFor(catchUp), ids, asOf)
}

// ApplyAs locks ids for owner. Any store failure is returned as is and is
// fatal to the caller's partition.
func (s *LockingStage) ApplyAs(ctx context.Context, owner models.LockOwner, ids []int64, asOf time.Time) (LockResult, error) {
	result := LockResult{Owner: owner, Admitted: []int64{}, Excluded: []int64{}}
	if len(ids) == 0 {
		return result, nil
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var existing []models.AccountLock
	for chunk := range slices.Chunk(sorted, s.inClauseLimit) {
		found, err := s.locks.FindLocks(ctx, chunk)
		if err != nil {
			return LockResult{}, fmt.Errorf("find locks: %w", err)
		}
		existing = append(existing, found...)
	}

	excluded := make(map[int64]struct{}, len(existing))
	superseded := map[models.LockOwner][]int64{}
	for _, l := range existing {
		if l.Owner.Priority() >= owner.Priority() {
			excluded[l.AccountID] = struct{}{}
			continue
		}
		superseded[l.Owner] = append(superseded[l.Owner], l.AccountID)
	}

	for prev, accounts := range superseded {
		for chunk := range slices.Chunk(accounts, s.inClauseLimit) {
			if err := s.locks.ReleaseLocks(ctx, chunk, prev); err != nil {
				return LockResult{}, fmt.Errorf("release %s locks: %w", prev, err)
			}
		}
		logs.Infof("take over %d account locks from %s for %s", len(accounts), prev, owner)
	}

	for _, id := range sorted {
		if _, ok := excluded[id]; ok {
			result.Excluded = append(result.Excluded, id)
			continue
		}
		result.Admitted = append(result.Admitted, id)
	}

	if len(result.Admitted) > 0 {
		if err := s.locks.CreateLocks(ctx, result.Admitted, owner, asOf); err != nil {
			return LockResult{}, err
		}
	}
	telemetry.LocksApplied.WithLabelValues(string(owner)).Add(float64(len(result.Admitted)))
	telemetry.LocksSkipped.WithLabelValues(string(owner)).Add(float64(len(result.Excluded)))
	return result, nil
}
