package models

import (
	"time"
)

// JobStatus enumerates execution lifecycle states persisted in Postgres.
const (
	StatusStarted   = "STARTED"
	StatusStopping  = "STOPPING"
	StatusStopped   = "STOPPED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Custom job parameter names stored with every execution.
const (
	ParamCatchUp      = "is_catch_up"
	ParamBusinessDate = "business_date"
)

// JobExecution represents one run of a COB job persisted in Postgres.
type JobExecution struct {
	ID               int64             `json:"id"`
	JobName          string            `json:"job_name"`
	Status           string            `json:"status"`
	BusinessDate     time.Time         `json:"business_date"`
	CatchUp          bool              `json:"catch_up"`
	Parameters       map[string]string `json:"parameters"`
	PartitionsTotal  int               `json:"partitions_total"`
	PartitionsDone   int               `json:"partitions_done"`
	PartitionsFailed int               `json:"partitions_failed"`
	LoansProcessed   int               `json:"loans_processed"`
	LoansFailed      int               `json:"loans_failed"`
	LastError        *string           `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Running reports whether the execution still occupies workers.
func (e JobExecution) Running() bool {
	return e.Status == StatusStarted || e.Status == StatusStopping
}

// Finished reports whether every partition has reported back.
func (e JobExecution) Finished() bool {
	return e.PartitionsDone+e.PartitionsFailed >= e.PartitionsTotal
}

// ExecutionRequest collects inputs required to start an execution.
// BusinessDate is the COB date the execution closes.
type ExecutionRequest struct {
	JobName      string
	BusinessDate time.Time
	CatchUp      bool
	Parameters   map[string]string
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	ExecutionID int64     `json:"execution_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}
