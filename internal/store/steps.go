package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"loan-cob-scheduler/internal/models"
)

// BusinessSteps returns the steps configured for jobName in execution order.
func (s *Store) BusinessSteps(ctx context.Context, jobName string) ([]models.BusinessStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_name, step_order FROM batch_business_steps WHERE job_name = $1 ORDER BY step_order, step_name
	`, jobName)
	if err != nil {
		return nil, fmt.Errorf("query business steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BusinessStep, error) {
		var st models.BusinessStep
		err := row.Scan(&st.Name, &st.Order)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect business steps: %w", err)
	}
	return steps, nil
}

// ReplaceBusinessSteps swaps the configured steps of jobName atomically.
func (s *Store) ReplaceBusinessSteps(ctx context.Context, jobName string, steps []models.BusinessStep) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM batch_business_steps WHERE job_name = $1`, jobName); err != nil {
			return fmt.Errorf("clear business steps: %w", err)
		}
		for _, st := range steps {
			if _, err := tx.Exec(ctx, `
				INSERT INTO batch_business_steps (job_name, step_name, step_order) VALUES ($1, $2, $3)
			`, jobName, st.Name, st.Order); err != nil {
				return fmt.Errorf("insert business step %s: %w", st.Name, err)
			}
		}
		return nil
	})
}
