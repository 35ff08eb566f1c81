package pruner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/common/logging"
	"github.com/armadaproject/profiler/internal/common/task"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
	"github.com/armadaproject/profiler/internal/profiler/metrics"
)

const (
	defaultBatchSize = 1000
	taskName         = "measurement_pruner"
)

// Executor runs fn and returns its error. Blocking backends hand fn to the worker pool.
type Executor func(ctx context.Context, fn func(ctx context.Context) error) error

// Prunable is the part of a backend the pruner needs.
type Prunable interface {
	Prune(ctx context.Context, before float64, batchSize int) (int, error)
}

// Pruner periodically deletes measurements older than the configured retention.
type Pruner struct {
	store       Prunable
	execute     Executor
	expireAfter time.Duration
	interval    time.Duration
	batchSize   int
	clock       func() time.Time
	metrics     *metrics.Metrics
}

func New(store Prunable, execute Executor, config configuration.PrunerConfig) (*Pruner, error) {
	if config.ExpireAfter <= 0 {
		return nil, errors.Errorf("pruner expireAfter must be positive, got %s", config.ExpireAfter)
	}
	if config.Interval <= 0 {
		return nil, errors.Errorf("pruner interval must be positive, got %s", config.Interval)
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	if execute == nil {
		execute = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &Pruner{
		store:       store,
		execute:     execute,
		expireAfter: config.ExpireAfter,
		interval:    config.Interval,
		batchSize:   batchSize,
		clock:       time.Now,
		metrics:     metrics.Get(),
	}, nil
}

// Prune deletes everything that finished more than expireAfter ago and returns the number of
// deleted measurements.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.clock().Add(-p.expireAfter)
	before := float64(cutoff.UnixNano()) / float64(time.Second)
	deleted := 0
	err := p.execute(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = p.store.Prune(ctx, before, p.batchSize)
		return err
	})
	if err != nil {
		p.metrics.RecordBackendError(metrics.BackendOperationPrune)
		return deleted, err
	}
	p.metrics.RecordPruned(deleted)
	return deleted, nil
}

// Register schedules Prune on the task manager. Each run is bounded by the pruning interval.
func (p *Pruner) Register(ctx context.Context, manager *task.BackgroundTaskManager) {
	manager.Register(func() {
		runCtx, cancel := context.WithTimeout(ctx, p.interval)
		defer cancel()
		deleted, err := p.Prune(runCtx)
		if err != nil {
			logging.WithStacktrace(log.WithField("task", taskName), err).Error("Failed to prune measurements")
			return
		}
		log.WithField("deleted", deleted).Debug("Pruned measurements")
	}, p.interval, taskName)
}
