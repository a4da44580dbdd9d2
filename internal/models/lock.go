package models

import (
	"fmt"
	"time"
)

// LockOwner tags who holds an account lock.
type LockOwner string

const (
	LockOwnerChunk   LockOwner = "LOAN_COB_CHUNK_PROCESSING"
	LockOwnerCatchUp LockOwner = "LOAN_COB_CATCH_UP_PROCESSING"
	LockOwnerInline  LockOwner = "LOAN_INLINE_COB_PROCESSING"
)

// Priority orders owners; a lock held at a priority at or above the
// current run's owner excludes the account from that run.
func (o LockOwner) Priority() int {
	switch o {
	case LockOwnerChunk:
		return 1
	case LockOwnerCatchUp:
		return 2
	case LockOwnerInline:
		return 3
	default:
		return 0
	}
}

// ParseLockOwner validates a persisted owner value.
func ParseLockOwner(s string) (LockOwner, error) {
	o := LockOwner(s)
	if o.Priority() == 0 {
		return "", fmt.Errorf("unknown lock owner %q", s)
	}
	return o, nil
}

// OwnerFor resolves the owner of a pipeline run.
func OwnerFor(catchUp bool) LockOwner {
	if catchUp {
		return LockOwnerCatchUp
	}
	return LockOwnerChunk
}

// AccountLock marks an account as being processed by Owner.
type AccountLock struct {
	AccountID int64     `json:"account_id"`
	Owner     LockOwner `json:"owner"`
	AsOfDate  time.Time `json:"as_of_date"`
	CreatedAt time.Time `json:"created_at"`
}
