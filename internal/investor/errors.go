package investor

import (
	"errors"
	"fmt"
	"time"

	"loan-cob-scheduler/internal/models"
)

// ConsistencyError reports transfer data the settlement cannot reconcile.
// It fails the loan being processed, never its partition.
type ConsistencyError struct {
	LoanID int64
	msg    string
}

func (e *ConsistencyError) Error() string {
	return e.msg
}

func unexpectedStatus(loanID int64, expected string, found models.TransferStatus) *ConsistencyError {
	return &ConsistencyError{LoanID: loanID, msg: fmt.Sprintf("Illegal transfer found. Expected %s, found: %s", expected, found)}
}

func tooManyTransfers(loanID int64, n int, settlementDate time.Time) *ConsistencyError {
	return &ConsistencyError{
		LoanID: loanID,
		msg:    fmt.Sprintf("Found too many owner transfers(%d) by the settlement date(%s)", n, models.FormatDate(settlementDate)),
	}
}

func zeroBalanceSale(loanID int64, settlementDate time.Time) *ConsistencyError {
	return &ConsistencyError{
		LoanID: loanID,
		msg:    fmt.Sprintf("Sale of loan %d with zero outstanding balance cannot settle on %s", loanID, models.FormatDate(settlementDate)),
	}
}

var (
	// ErrNoActiveTransfer rejects a buyback of a loan no external owner holds.
	ErrNoActiveTransfer = errors.New("no active transfer to buy back")
	// ErrBuybackConflict rejects a buyback that cannot settle against the
	// loan's current ownership.
	ErrBuybackConflict = errors.New("buyback conflicts with current ownership")
)
