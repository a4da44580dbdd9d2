package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FarFuture is the open-ended effective-to date of a current ownership.
var FarFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// ErrLoanNotFound reports a loan id with no aggregate behind it.
var ErrLoanNotFound = errors.New("loan not found")

// Loan statuses considered by the COB pipeline.
const (
	LoanStatusActive = "ACTIVE"
	LoanStatusClosed = "CLOSED"
)

// Loan is the aggregate threaded through the business step chain.
type Loan struct {
	ID                     int64           `json:"id"`
	AccountNo              string          `json:"account_no"`
	ExternalID             *string         `json:"external_id,omitempty"`
	Status                 string          `json:"status"`
	TotalOutstanding       decimal.Decimal `json:"total_outstanding"`
	LastClosedBusinessDate *time.Time      `json:"last_closed_business_date,omitempty"`
}

// IDRange is an inclusive range of loan ids. The zero value is the
// sentinel for "no loans found".
type IDRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// IsEmpty reports whether r is the {0,0} sentinel.
func (r IDRange) IsEmpty() bool {
	return r.Min == 0 && r.Max == 0
}

// Size is the number of ids covered by r.
func (r IDRange) Size() int64 {
	if r.IsEmpty() {
		return 0
	}
	return r.Max - r.Min + 1
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// BusinessStep names one step of a job's chain and its position.
type BusinessStep struct {
	Name  string `json:"name" yaml:"name"`
	Order int64  `json:"order" yaml:"order"`
}

// Partition is one unit of parallel work.
type Partition struct {
	ExecutionID int64          `json:"execution_id"`
	JobName     string         `json:"job_name"`
	Name        string         `json:"name"`
	RangeIndex  int            `json:"range_index"`
	Range       IDRange        `json:"range"`
	Steps       []BusinessStep `json:"steps"`
}

// Key identifies the partition within the work queue.
func (p Partition) Key() string {
	return fmt.Sprintf("%d:%s", p.ExecutionID, p.Name)
}
