package backend

import (
	"context"

	"github.com/armadaproject/profiler/internal/profiler/model"
)

// Backend stores measurements and answers queries over them.
// Implementations must be safe for concurrent use.
type Backend interface {
	// GetName returns the engine name the backend is registered under.
	GetName() string
	// Initialize prepares the backend for use. It is idempotent.
	Initialize(ctx context.Context) error
	Insert(ctx context.Context, fields *model.Measurement) (*model.Measurement, error)
	Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error)
	Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error)
	// IsNonblock reports whether operations may run on a request-serving goroutine
	// without going through an executor.
	IsNonblock() bool
}

// Pruner is implemented by backends that support deleting old measurements.
type Pruner interface {
	// Prune deletes measurements finished before the given epoch time, batchSize rows at a time,
	// and returns the number of deleted measurements.
	Prune(ctx context.Context, before float64, batchSize int) (int, error)
}

// HealthChecker is implemented by backends that can report connectivity problems.
type HealthChecker interface {
	Check(ctx context.Context) error
}
