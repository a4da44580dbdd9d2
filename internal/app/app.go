// Package app assembles the COB pipeline shared by the API and worker
// binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"loan-cob-scheduler/internal/cob"
	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/investor"
	"loan-cob-scheduler/internal/queue"
	"loan-cob-scheduler/internal/store"
)

// Pipeline holds every COB component wired against one store and queue.
type Pipeline struct {
	Store     *store.Store
	Queue     *queue.RedisQueue
	Transfers *investor.Repository
	Registry  *cob.Registry

	Locking   *cob.LockingStage
	Executor  *cob.Executor
	Partition *cob.PartitionRunner
	Inline    *cob.InlineRunner
	Launcher  *cob.Launcher
	CatchUp   *cob.CatchUpController
}

// Open connects to Postgres and Redis, applies migrations and builds the
// pipeline.
func Open(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	transfers, err := investor.Open(cfg.PostgresDSN, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		st.Close()
		return nil, err
	}

	client := queue.NewRedisClient(cfg)
	p := Build(cfg, st, queue.NewRedisQueue(client, cfg), client, transfers)
	return p, nil
}

// Build wires the pipeline from already-opened collaborators.
func Build(cfg config.Config, st *store.Store, q *queue.RedisQueue, client *redis.Client, transfers *investor.Repository) *Pipeline {
	registry := cob.NewRegistry(
		investor.NewOwnerTransferStep(transfers, cfg.ZeroBalancePolicy == config.ZeroBalanceSettle),
	)

	locking := cob.NewLockingStage(st, st, cfg.InClauseLimit)
	executor := cob.NewExecutor(st, st, registry, st)
	partitioner := cob.NewPartitioner(st, st, cfg.PartitionSize)
	launcher := cob.NewLauncher(cfg.JobName, st, st, st, partitioner, q)

	return &Pipeline{
		Store:     st,
		Queue:     q,
		Transfers: transfers,
		Registry:  registry,
		Locking:   locking,
		Executor:  executor,
		Partition: cob.NewPartitionRunner(st, cob.NewResolver(st), locking, executor),
		Inline:    cob.NewInlineRunner(cfg.JobName, st, st, locking, executor),
		Launcher:  launcher,
		CatchUp: cob.NewCatchUpController(launcher, st, st,
			cob.NewRedisGuard(client, cfg.JobName, cfg.CatchUpGuardTTL), cfg.CatchUpPoll),
	}
}

// SeedSteps loads the configured step file, checks every step has an
// implementation and replaces the stored step chains with it.
func (p *Pipeline) SeedSteps(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	sf, err := cob.LoadStepFile(path)
	if err != nil {
		return err
	}
	if err := sf.Validate(p.Registry); err != nil {
		return err
	}
	for job, steps := range sf.Jobs {
		if err := p.Store.ReplaceBusinessSteps(ctx, job, steps); err != nil {
			return fmt.Errorf("seed steps of %s: %w", job, err)
		}
		logs.Infof("seeded %d business steps for %s", len(steps), job)
	}
	return nil
}

// Close releases the connections opened by Open.
func (p *Pipeline) Close() {
	if err := p.Queue.Client().Close(); err != nil {
		logs.Errorf("close redis: %+v", err)
	}
	if err := p.Transfers.Close(); err != nil {
		logs.Errorf("close transfer store: %+v", err)
	}
	p.Store.Close()
}
