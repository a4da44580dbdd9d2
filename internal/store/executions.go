package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"loan-cob-scheduler/internal/models"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("job execution not found")

// EventLoanFailed marks audit rows written by RecordLoanFailure.
const EventLoanFailed = "loan_failed"

const executionColumns = `id, job_name, status, business_date, catch_up, parameters, partitions_total, partitions_done,
	partitions_failed, loans_processed, loans_failed, last_error, created_at, updated_at`

// CreateExecution inserts a STARTED execution row.
func (s *Store) CreateExecution(ctx context.Context, p models.ExecutionRequest) (models.JobExecution, error) {
	params := map[string]string{}
	for k, v := range p.Parameters {
		params[k] = v
	}
	params[models.ParamCatchUp] = strconv.FormatBool(p.CatchUp)
	params[models.ParamBusinessDate] = models.FormatDate(p.BusinessDate)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("marshal parameters: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_executions (job_name, status, business_date, catch_up, parameters)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+executionColumns,
		p.JobName, models.StatusStarted, p.BusinessDate, p.CatchUp, paramsJSON)
	exec, err := scanExecution(row)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (models.JobExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobExecution{}, fmt.Errorf("execution %d: %w", id, ErrExecutionNotFound)
	}
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("scan execution: %w", err)
	}
	return exec, nil
}

// FindRunningExecutions lists executions of jobName that still occupy workers.
func (s *Store) FindRunningExecutions(ctx context.Context, jobName string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM job_executions WHERE job_name = $1 AND status IN ($2, $3) ORDER BY id
	`, jobName, models.StatusStarted, models.StatusStopping)
	if err != nil {
		return nil, fmt.Errorf("query running executions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect running executions: %w", err)
	}
	return ids, nil
}

// RunningCatchUp reports whether a catch-up execution of jobName is in progress.
func (s *Store) RunningCatchUp(ctx context.Context, jobName string) (bool, error) {
	var running bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_executions WHERE job_name = $1 AND catch_up AND status IN ($2, $3))
	`, jobName, models.StatusStarted, models.StatusStopping).Scan(&running); err != nil {
		return false, fmt.Errorf("query running catch-up: %w", err)
	}
	return running, nil
}

// Stop asks a running execution to stop. It returns false when the
// execution was not running.
func (s *Store) Stop(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusStopping, models.StatusStarted)
	if err != nil {
		return false, fmt.Errorf("stop execution %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CustomParameter resolves a job-scoped custom parameter of an execution.
func (s *Store) CustomParameter(ctx context.Context, executionID int64, name string) (string, bool, error) {
	var value pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT parameters ->> $2 FROM job_executions WHERE id = $1
	`, executionID, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("execution %d: %w", executionID, ErrExecutionNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("query parameter %s: %w", name, err)
	}
	return value.String, value.Valid, nil
}

// SetPartitionsTotal records how many partitions were enqueued.
func (s *Store) SetPartitionsTotal(ctx context.Context, id int64, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET partitions_total = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	return err
}

// CompletePartition counts a finished partition and its loan outcomes,
// returning the updated execution.
func (s *Store) CompletePartition(ctx context.Context, id int64, processed, failed int) (models.JobExecution, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_executions
		SET partitions_done = partitions_done + 1,
		    loans_processed = loans_processed + $2,
		    loans_failed = loans_failed + $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+executionColumns, id, processed, failed)
	exec, err := scanExecution(row)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("complete partition of %d: %w", id, err)
	}
	return exec, nil
}

// FailPartition counts a dead-lettered partition.
func (s *Store) FailPartition(ctx context.Context, id int64, lastErr string) (models.JobExecution, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_executions
		SET partitions_failed = partitions_failed + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+executionColumns, id, lastErr)
	exec, err := scanExecution(row)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("fail partition of %d: %w", id, err)
	}
	return exec, nil
}

// FinishExecution moves an execution into a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, executionID int64, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (execution_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, executionID, event, detail)
	return err
}

// RecordLoanFailure keeps the reason a loan dropped out of its step chain.
func (s *Store) RecordLoanFailure(ctx context.Context, executionID, loanID int64, step string, cause error) error {
	return s.AppendAudit(ctx, executionID, EventLoanFailed, fmt.Sprintf("loan=%d step=%s error=%s", loanID, step, cause))
}

// ListAudit returns the audit trail of an execution, oldest first.
func (s *Store) ListAudit(ctx context.Context, executionID int64) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, event, detail, ts FROM audit_logs WHERE execution_id = $1 ORDER BY id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.ExecutionID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect audit: %w", err)
	}
	return logs, nil
}

func scanExecution(row pgx.Row) (models.JobExecution, error) {
	var exec models.JobExecution
	var paramsJSON []byte
	var lastErr pgtype.Text
	if err := row.Scan(&exec.ID, &exec.JobName, &exec.Status, &exec.BusinessDate, &exec.CatchUp, &paramsJSON,
		&exec.PartitionsTotal, &exec.PartitionsDone, &exec.PartitionsFailed, &exec.LoansProcessed, &exec.LoansFailed,
		&lastErr, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return models.JobExecution{}, err
	}
	if err := json.Unmarshal(paramsJSON, &exec.Parameters); err != nil {
		return models.JobExecution{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	exec.LastError = textPtr(lastErr)
	return exec, nil
}
