package cob

import (
	"context"
	"fmt"
	"time"

	"loan-cob-scheduler/internal/models"
)

// Resolver narrows a partition's id range to the loans still due.
type Resolver struct {
	loans LoanIDReader
}

func NewResolver(loans LoanIDReader) *Resolver {
	return &Resolver{loans: loans}
}

// Resolve returns ascending ids in rng not yet closed as of cobDate. The
// {0,0} sentinel resolves to no loans without touching the store.
func (r *Resolver) Resolve(ctx context.Context, rng models.IDRange, cobDate time.Time, catchUp bool) ([]int64, error) {
	if rng.IsEmpty() {
		return []int64{}, nil
	}
	ids, err := r.loans.ListNonClosedIDsInRange(ctx, rng, cobDate, catchUp)
	if err != nil {
		return nil, fmt.Errorf("resolve loans in %s: %w", rng, err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}
