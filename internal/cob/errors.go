package cob

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStep          = errors.New("cob: unknown business step")
	ErrDuplicateStep        = errors.New("cob: duplicate business step")
	ErrMissingBusinessDate  = errors.New("cob: execution has no business date")
	ErrCatchUpRunning       = errors.New("cob: catch-up is already running")
	ErrInvalidPartitionSize = errors.New("cob: partition size must be positive")
)

// StepError reports a loan whose chain stopped at Step.
type StepError struct {
	LoanID int64
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("loan %d: step %s: %v", e.LoanID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
