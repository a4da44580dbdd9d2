package cob

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"loan-cob-scheduler/internal/models"
)

var errStore = errors.New("store unavailable")

func date(s string) time.Time {
	t, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeSteps struct {
	steps map[string][]models.BusinessStep
	err   error
}

func (f *fakeSteps) BusinessSteps(_ context.Context, jobName string) ([]models.BusinessStep, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.steps[jobName], nil
}

type fakeOperator struct {
	running []int64
	stopped []int64
}

func (f *fakeOperator) FindRunningExecutions(context.Context, string) ([]int64, error) {
	return f.running, nil
}

func (f *fakeOperator) Stop(_ context.Context, id int64) (bool, error) {
	f.stopped = append(f.stopped, id)
	return true, nil
}

type fakeParams map[string]string

func (f fakeParams) CustomParameter(_ context.Context, _ int64, name string) (string, bool, error) {
	v, ok := f[name]
	return v, ok, nil
}

func runParams(cobDate string, catchUp bool) fakeParams {
	return fakeParams{models.ParamBusinessDate: cobDate, models.ParamCatchUp: strconv.FormatBool(catchUp)}
}

// fakeLocks is an in-memory lock table with the uniqueness constraint of
// the real one.
type fakeLocks struct {
	mu        sync.Mutex
	held      map[int64]models.AccountLock
	findCalls [][]int64
	creates   [][]int64
	released  []int64
	findErr   error
	createErr error
}

func newFakeLocks(initial ...models.AccountLock) *fakeLocks {
	f := &fakeLocks{held: map[int64]models.AccountLock{}}
	for _, l := range initial {
		f.held[l.AccountID] = l
	}
	return f
}

func (f *fakeLocks) FindLocks(_ context.Context, ids []int64) ([]models.AccountLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls = append(f.findCalls, slices.Clone(ids))
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []models.AccountLock
	for _, id := range ids {
		if l, ok := f.held[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLocks) CreateLocks(_ context.Context, ids []int64, owner models.LockOwner, asOf time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, id := range ids {
		if _, ok := f.held[id]; ok {
			return errors.New("duplicate lock")
		}
	}
	for _, id := range ids {
		f.held[id] = models.AccountLock{AccountID: id, Owner: owner, AsOfDate: asOf}
	}
	f.creates = append(f.creates, slices.Clone(ids))
	return nil
}

func (f *fakeLocks) ReleaseLock(_ context.Context, id int64, owner models.LockOwner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.held[id]; ok && l.Owner == owner {
		delete(f.held, id)
		f.released = append(f.released, id)
	}
	return nil
}

func (f *fakeLocks) ReleaseLocks(ctx context.Context, ids []int64, owner models.LockOwner) error {
	for _, id := range ids {
		if err := f.ReleaseLock(ctx, id, owner); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLocks) owners() map[int64]models.LockOwner {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]models.LockOwner, len(f.held))
	for id, l := range f.held {
		out[id] = l.Owner
	}
	return out
}

type fakeLoans struct {
	mu      sync.Mutex
	loans   map[int64]*models.Loan
	loadErr map[int64]error
	markErr error
	closed  map[int64]time.Time
}

func newFakeLoans(ids ...int64) *fakeLoans {
	f := &fakeLoans{loans: map[int64]*models.Loan{}, loadErr: map[int64]error{}, closed: map[int64]time.Time{}}
	for _, id := range ids {
		f.loans[id] = &models.Loan{
			ID:               id,
			AccountNo:        "L" + strconv.FormatInt(id, 10),
			Status:           models.LoanStatusActive,
			TotalOutstanding: decimal.NewFromInt(100),
		}
	}
	return f
}

func (f *fakeLoans) LoadLoan(_ context.Context, id int64) (*models.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadErr[id]; err != nil {
		return nil, err
	}
	l, ok := f.loans[id]
	if !ok {
		return nil, models.ErrLoanNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLoans) MarkClosedAsOf(_ context.Context, id int64, cobDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.closed[id] = cobDate
	if l, ok := f.loans[id]; ok {
		d := cobDate
		l.LastClosedBusinessDate = &d
	}
	return nil
}

func (f *fakeLoans) ListNonClosedIDsInRange(_ context.Context, rng models.IDRange, cobDate time.Time, catchUp bool) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, l := range f.loans {
		if id < rng.Min || id > rng.Max {
			continue
		}
		last := l.LastClosedBusinessDate
		if catchUp {
			if last == nil || !last.Equal(cobDate.AddDate(0, 0, -1)) {
				continue
			}
		} else if last != nil && !last.Before(cobDate) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type recordedFailure struct {
	loanID int64
	step   string
}

type fakeReporter struct {
	failures []recordedFailure
}

func (f *fakeReporter) RecordLoanFailure(_ context.Context, _ int64, loanID int64, step string, _ error) error {
	f.failures = append(f.failures, recordedFailure{loanID: loanID, step: step})
	return nil
}

// funcStep is a business step backed by a closure.
type funcStep struct {
	name  string
	calls []int64
	fn    func(loan *models.Loan) (*models.Loan, error)
}

func (s *funcStep) Name() string              { return s.name }
func (s *funcStep) HumanReadableName() string { return "step " + s.name }

func (s *funcStep) Execute(_ context.Context, _ BusinessContext, loan *models.Loan) (*models.Loan, error) {
	s.calls = append(s.calls, loan.ID)
	if s.fn == nil {
		return loan, nil
	}
	return s.fn(loan)
}
