package cob

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/telemetry"
)

// CatchUpStore is the read side the catch-up controller depends on.
type CatchUpStore interface {
	RunningCatchUp(ctx context.Context, jobName string) (bool, error)
	OldestCOBProcessed(ctx context.Context) (oldest time.Time, loanIDs []int64, ok bool, err error)
	GetExecution(ctx context.Context, id int64) (models.JobExecution, error)
}

// CatchUpGuard is a cluster-wide single-flight marker for catch-up runs.
type CatchUpGuard interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
	Held(ctx context.Context) (bool, error)
}

// OldestCOBProcessed is the diagnostic view of the loans furthest behind.
type OldestCOBProcessed struct {
	LoanIDs          []int64 `json:"loanIds"`
	COBBusinessDate  string  `json:"cobBusinessDate"`
	COBProcessedDate string  `json:"cobProcessedDate"`
}

// CatchUpController replays COB for every date between the oldest
// last-closed date and the current COB date.
type CatchUpController struct {
	launcher *Launcher
	store    CatchUpStore
	calendar BusinessCalendar
	guard    CatchUpGuard
	poll     time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewCatchUpController(launcher *Launcher, store CatchUpStore, calendar BusinessCalendar, guard CatchUpGuard, poll time.Duration) *CatchUpController {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &CatchUpController{launcher: launcher, store: store, calendar: calendar, guard: guard, poll: poll}
}

// IsRunning reports whether a catch-up is active in this process, holds the
// cluster guard, or has a running execution.
func (c *CatchUpController) IsRunning(ctx context.Context) (bool, error) {
	if c.running.Load() {
		return true, nil
	}
	if c.guard != nil {
		held, err := c.guard.Held(ctx)
		if err != nil {
			return false, fmt.Errorf("check catch-up guard: %w", err)
		}
		if held {
			return true, nil
		}
	}
	return c.store.RunningCatchUp(ctx, c.launcher.JobName())
}

// Trigger starts a catch-up in the background and returns immediately.
func (c *CatchUpController) Trigger(ctx context.Context) error {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running || !c.running.CompareAndSwap(false, true) {
		return ErrCatchUpRunning
	}
	if c.guard != nil {
		ok, err := c.guard.Acquire(ctx)
		if err != nil {
			c.running.Store(false)
			return fmt.Errorf("acquire catch-up guard: %w", err)
		}
		if !ok {
			c.running.Store(false)
			return ErrCatchUpRunning
		}
	}

	telemetry.CatchUpRunning.Set(1)
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(bg)
		if err := c.Run(bg); err != nil {
			logs.Errorf("catch-up failed: %+v", err)
		}
	}()
	return nil
}

// Wait blocks until a triggered catch-up has finished.
func (c *CatchUpController) Wait() {
	c.wg.Wait()
}

func (c *CatchUpController) finish(ctx context.Context) {
	if c.guard != nil {
		if err := c.guard.Release(ctx); err != nil {
			logs.Errorf("release catch-up guard: %+v", err)
		}
	}
	telemetry.CatchUpRunning.Set(0)
	c.running.Store(false)
}

// Run replays COB date by date, waiting for each execution to finish. It
// stops at the first execution that does not complete.
func (c *CatchUpController) Run(ctx context.Context) error {
	oldest, _, ok, err := c.store.OldestCOBProcessed(ctx)
	if err != nil {
		return err
	}
	businessDate, err := c.calendar.BusinessDate(ctx)
	if err != nil {
		return fmt.Errorf("resolve business date: %w", err)
	}
	target := COBDate(businessDate)
	if !ok {
		logs.Info("catch-up: no processed loans, nothing to replay")
		return nil
	}

	for day := oldest.AddDate(0, 0, 1); !day.After(target); day = day.AddDate(0, 0, 1) {
		exec, err := c.launcher.Launch(ctx, JobRequest{BusinessDate: day.AddDate(0, 0, 1), CatchUp: true})
		if err != nil {
			return fmt.Errorf("catch-up %s: %w", models.FormatDate(day), err)
		}
		logs.Infof("catch-up: execution %d closing %s", exec.ID, models.FormatDate(day))
		if exec, err = c.await(ctx, exec); err != nil {
			return err
		}
		if exec.Status != models.StatusCompleted {
			return fmt.Errorf("catch-up %s: execution %d ended %s", models.FormatDate(day), exec.ID, exec.Status)
		}
	}
	logs.Infof("catch-up finished at %s", models.FormatDate(target))
	return nil
}

func (c *CatchUpController) await(ctx context.Context, exec models.JobExecution) (models.JobExecution, error) {
	id := exec.ID
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for exec.Running() {
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
		if c.guard != nil {
			if err := c.guard.Refresh(ctx); err != nil {
				logs.Errorf("refresh catch-up guard: %+v", err)
			}
		}
		var err error
		if exec, err = c.store.GetExecution(ctx, id); err != nil {
			return exec, fmt.Errorf("poll execution %d: %w", id, err)
		}
	}
	return exec, nil
}

// OldestProcessed lists the loans with the oldest last-closed date.
func (c *CatchUpController) OldestProcessed(ctx context.Context) (OldestCOBProcessed, error) {
	businessDate, err := c.calendar.BusinessDate(ctx)
	if err != nil {
		return OldestCOBProcessed{}, fmt.Errorf("resolve business date: %w", err)
	}
	oldest, ids, ok, err := c.store.OldestCOBProcessed(ctx)
	if err != nil {
		return OldestCOBProcessed{}, err
	}
	out := OldestCOBProcessed{LoanIDs: []int64{}, COBBusinessDate: models.FormatDate(COBDate(businessDate))}
	if ok {
		out.LoanIDs = ids
		out.COBProcessedDate = models.FormatDate(oldest)
	}
	return out, nil
}
