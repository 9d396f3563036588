package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/kiln/internal/sandbox"
)

// ErrNotFound means no execution matches the requested id.
var ErrNotFound = errors.New("execution not found")

// Execution is the recorded outcome of one program run.
type Execution struct {
	ID            string         `json:"id"`
	Program       string         `json:"program"`
	Status        sandbox.Status `json:"status"`
	Payload       string         `json:"payload"`
	Category      string         `json:"category,omitempty"`
	Output        string         `json:"output,omitempty"`
	Calls         int            `json:"calls"`
	ExecutionTime string         `json:"execution_time"`
	TotalTime     string         `json:"total_time"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FromResult builds the record for res.
func FromResult(id, program string, res *sandbox.Result) *Execution {
	return &Execution{
		ID:            id,
		Program:       program,
		Status:        res.Status,
		Payload:       res.Payload,
		Category:      res.Category(),
		Output:        res.Output,
		Calls:         res.Calls,
		ExecutionTime: res.ExecutionTime(),
		TotalTime:     res.TotalTime(),
	}
}

// ExecutionListOptions controls filtering and pagination for ListExecutions.
type ExecutionListOptions struct {
	Status sandbox.Status
	Limit  int
	Offset int
}

// Store is the persistence interface for execution history.
type Store interface {
	// SaveExecution inserts a record. The ID field must be set by the caller.
	SaveExecution(ctx context.Context, e *Execution) error

	// GetExecution returns a record by ID or unique ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns records ordered by created_at descending.
	ListExecutions(ctx context.Context, opts ExecutionListOptions) ([]Execution, error)

	// DeleteExecution removes a record by ID or unique ID prefix.
	DeleteExecution(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
