package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"loan-cob-scheduler/internal/models"
)

// ErrLoanNotFound is returned for unknown loan ids.
var ErrLoanNotFound = models.ErrLoanNotFound

// BusinessDateType keys the business_dates table.
const BusinessDateType = "BUSINESS_DATE"

// BusinessDate returns the tenant's current business date, or today when unset.
func (s *Store) BusinessDate(ctx context.Context) (time.Time, error) {
	var d time.Time
	err := s.pool.QueryRow(ctx, `SELECT date FROM business_dates WHERE type = $1`, BusinessDateType).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DateOf(time.Now()), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query business date: %w", err)
	}
	return models.DateOf(d), nil
}

// SetBusinessDate stores the tenant's current business date.
func (s *Store) SetBusinessDate(ctx context.Context, date time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO business_dates (type, date, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (type) DO UPDATE SET date = excluded.date, updated_at = NOW()
	`, BusinessDateType, models.DateOf(date))
	return err
}

// LoadLoan fetches a loan aggregate by id.
func (s *Store) LoadLoan(ctx context.Context, id int64) (*models.Loan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_no, external_id, status, total_outstanding::text, last_closed_business_date
		FROM loans WHERE id = $1
	`, id)

	var loan models.Loan
	var externalID pgtype.Text
	var outstanding string
	var lastClosed pgtype.Date
	if err := row.Scan(&loan.ID, &loan.AccountNo, &externalID, &loan.Status, &outstanding, &lastClosed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("loan %d: %w", id, ErrLoanNotFound)
		}
		return nil, fmt.Errorf("scan loan: %w", err)
	}
	total, err := decimal.NewFromString(outstanding)
	if err != nil {
		return nil, fmt.Errorf("parse outstanding of loan %d: %w", id, err)
	}
	loan.TotalOutstanding = total
	loan.ExternalID = textPtr(externalID)
	if lastClosed.Valid {
		d := lastClosed.Time
		loan.LastClosedBusinessDate = &d
	}
	return &loan, nil
}

// nonClosedFilter selects loans still due as of the COB date. Catch-up
// compares against the historical last-closed date (the day before).
func nonClosedFilter(placeholder string, cobDate time.Time, catchUp bool) (string, any) {
	if catchUp {
		return `last_closed_business_date = ` + placeholder, models.DateOf(cobDate).AddDate(0, 0, -1)
	}
	return `(last_closed_business_date IS NULL OR last_closed_business_date < ` + placeholder + `)`, models.DateOf(cobDate)
}

// ListNonClosedIDsInRange returns ascending ids in rng not yet closed as of cobDate.
func (s *Store) ListNonClosedIDsInRange(ctx context.Context, rng models.IDRange, cobDate time.Time, catchUp bool) ([]int64, error) {
	filter, date := nonClosedFilter("$3", cobDate, catchUp)
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM loans
		WHERE status = '`+models.LoanStatusActive+`' AND id BETWEEN $1 AND $2 AND `+filter+`
		ORDER BY id
	`, rng.Min, rng.Max, date)
	if err != nil {
		return nil, fmt.Errorf("query non-closed loans: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect non-closed loans: %w", err)
	}
	return ids, nil
}

// NonClosedIDRange returns the id bounds of loans due as of cobDate, or the
// {0,0} sentinel when none are.
func (s *Store) NonClosedIDRange(ctx context.Context, cobDate time.Time, catchUp bool) (models.IDRange, error) {
	filter, date := nonClosedFilter("$1", cobDate, catchUp)
	var rng models.IDRange
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MIN(id), 0), COALESCE(MAX(id), 0) FROM loans
		WHERE status = '`+models.LoanStatusActive+`' AND `+filter, date).Scan(&rng.Min, &rng.Max)
	if err != nil {
		return models.IDRange{}, fmt.Errorf("query loan id range: %w", err)
	}
	return rng, nil
}

// MarkClosedAsOf advances a loan's last-closed business date.
func (s *Store) MarkClosedAsOf(ctx context.Context, loanID int64, cobDate time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE loans SET last_closed_business_date = $2, updated_at = NOW() WHERE id = $1
	`, loanID, models.DateOf(cobDate))
	return err
}

// OldestCOBProcessed returns the oldest last-closed business date among
// active loans and the loans sitting on it. ok is false when no active loan
// has been processed yet.
func (s *Store) OldestCOBProcessed(ctx context.Context) (oldest time.Time, loanIDs []int64, ok bool, err error) {
	var d pgtype.Date
	if err := s.pool.QueryRow(ctx, `
		SELECT MIN(last_closed_business_date) FROM loans WHERE status = $1
	`, models.LoanStatusActive).Scan(&d); err != nil {
		return time.Time{}, nil, false, fmt.Errorf("query oldest processed date: %w", err)
	}
	if !d.Valid {
		return time.Time{}, nil, false, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM loans WHERE status = $1 AND last_closed_business_date = $2 ORDER BY id
	`, models.LoanStatusActive, d.Time)
	if err != nil {
		return time.Time{}, nil, false, fmt.Errorf("query oldest processed loans: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return time.Time{}, nil, false, fmt.Errorf("collect oldest processed loans: %w", err)
	}
	return models.DateOf(d.Time), ids, true, nil
}
