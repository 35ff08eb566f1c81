package profiler

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/common/health"
	"github.com/armadaproject/profiler/internal/common/logging"
	"github.com/armadaproject/profiler/internal/profiler/api"
	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
	"github.com/armadaproject/profiler/internal/profiler/dispatch"
	"github.com/armadaproject/profiler/internal/profiler/instrument"
	"github.com/armadaproject/profiler/internal/profiler/metrics"
	"github.com/armadaproject/profiler/internal/profiler/model"
	"github.com/armadaproject/profiler/internal/profiler/pruner"
	"github.com/armadaproject/profiler/internal/profiler/routing"

	// Registers the bundled backend engines.
	_ "github.com/armadaproject/profiler/internal/profiler/repository"
)

const healthCheckTimeout = 5 * time.Second

type Option func(p *Profiler)

// WithBackend makes the profiler use b instead of building a backend from the configuration.
func WithBackend(b backend.Backend) Option {
	return func(p *Profiler) {
		p.backend = b
	}
}

// WithClock overrides the clock used to timestamp measurements.
func WithClock(now func() time.Time) Option {
	return func(p *Profiler) {
		p.now = now
	}
}

// Profiler records a measurement for every routed request of an application and serves the
// dashboard and query API over the recorded measurements.
type Profiler struct {
	config       configuration.ProfilerConfig
	urlPrefix    string
	backend      backend.Backend
	pool         *dispatch.WorkerPool
	instrumenter *instrument.Instrumenter
	now          func() time.Time
	metrics      *metrics.Metrics

	fatalMutex sync.Mutex
	fatalErr   error
}

// New creates the backend, initializes it and starts the worker pool when maxWorkers is positive.
func New(ctx context.Context, config configuration.ProfilerConfig, opts ...Option) (*Profiler, error) {
	p := &Profiler{
		config:    config,
		urlPrefix: strings.TrimRight(config.UrlPrefix, "/"),
		metrics:   metrics.Get(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.urlPrefix == "" {
		p.urlPrefix = strings.TrimRight(configuration.DefaultUrlPrefix, "/")
	}

	if p.backend == nil {
		b, err := backend.New(config.Backend)
		if err != nil {
			return nil, err
		}
		p.backend = b
	}
	if err := p.backend.Initialize(ctx); err != nil {
		return nil, err
	}

	if config.MaxWorkers > 0 {
		queueSize := config.QueueSize
		if queueSize == 0 {
			queueSize = configuration.DefaultQueueSize
		}
		pool, err := dispatch.NewWorkerPool(config.MaxWorkers, queueSize, config.SaturationPolicy)
		if err != nil {
			return nil, &backend.ConfigurationError{Message: err.Error()}
		}
		p.pool = pool
	}

	maxBodyBytes := config.MaxBodyBytes
	if maxBodyBytes == 0 {
		maxBodyBytes = configuration.DefaultMaxBodyBytes
	}
	p.instrumenter = instrument.NewInstrumenter(p.dispatchInsert, instrument.Options{
		MaxBodyBytes: maxBodyBytes,
		XHeaders:     config.XHeaders,
		Now:          p.now,
	})

	log.WithFields(log.Fields{
		"backend":    p.backend.GetName(),
		"nonblock":   p.backend.IsNonblock(),
		"maxWorkers": config.MaxWorkers,
		"urlPrefix":  p.urlPrefix,
	}).Info("Profiler created")
	return p, nil
}

// Install mounts the profiler routes on router under the url prefix and instruments every
// profiled handler registered on router so far. It must be called once, after the application
// routes are registered and before the router serves requests.
func (p *Profiler) Install(router *routing.Router) error {
	routes := api.New(p.urlPrefix, p).Router()
	router.Mount(regexp.QuoteMeta(p.urlPrefix), routes, routing.Unprofiled(), routing.Prepend())
	return p.instrumenter.Install(router)
}

// Backend returns the measurement store.
func (p *Profiler) Backend() backend.Backend {
	return p.backend
}

func (p *Profiler) Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error) {
	var result *model.FilterResult
	err := p.execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.backend.Filter(ctx, criteria)
		return err
	})
	return result, err
}

func (p *Profiler) Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error) {
	var result *model.GroupResult
	err := p.execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.backend.Group(ctx, criteria)
		return err
	})
	return result, err
}

// Pruner returns a retention pruner running through the same executor as the queries,
// or an error if the backend does not support pruning.
func (p *Profiler) Pruner(config configuration.PrunerConfig) (*pruner.Pruner, error) {
	prunable, ok := p.backend.(backend.Pruner)
	if !ok {
		return nil, &backend.ConfigurationError{Message: "backend " + p.backend.GetName() + " does not support pruning"}
	}
	return pruner.New(prunable, p.execute, config)
}

// execute runs fn inline for nonblocking backends and on the worker pool otherwise.
func (p *Profiler) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.backend.IsNonblock() {
		return fn(ctx)
	}
	if p.pool == nil {
		return p.missingExecutor()
	}
	return p.pool.Do(ctx, fn)
}

func (p *Profiler) dispatchInsert(measurement *model.Measurement) {
	if p.backend.IsNonblock() {
		if p.insert(context.Background(), measurement) {
			p.metrics.RecordMeasurement(metrics.DispatchModeInline, measurement.Method, measurement.ElapseTime)
		}
		return
	}
	if p.pool == nil {
		p.missingExecutor()
		return
	}
	err := p.pool.Submit(func(ctx context.Context) {
		if p.insert(ctx, measurement) {
			p.metrics.RecordMeasurement(metrics.DispatchModePool, measurement.Method, measurement.ElapseTime)
		}
	})
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		log.WithField("name", measurement.Name).Debug("Dropped measurement, dispatch queue is full")
	case err != nil:
		log.WithError(err).WithField("name", measurement.Name).Warn("Dropped measurement")
	}
}

func (p *Profiler) insert(ctx context.Context, measurement *model.Measurement) bool {
	if _, err := p.backend.Insert(ctx, measurement); err != nil {
		p.metrics.RecordBackendError(metrics.BackendOperationInsert)
		logging.WithStacktrace(log.WithField("name", measurement.Name), err).Error("Failed to store measurement")
		return false
	}
	return true
}

// missingExecutor records the configuration error of a blocking backend without a worker pool.
// Only the first occurrence is logged.
func (p *Profiler) missingExecutor() error {
	p.fatalMutex.Lock()
	defer p.fatalMutex.Unlock()
	if p.fatalErr == nil {
		p.fatalErr = errors.WithStack(&backend.ConfigurationError{
			Message: "backend " + p.backend.GetName() + " is blocking and needs maxWorkers > 0",
		})
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), p.fatalErr).Error("Profiler cannot store measurements")
	}
	return p.fatalErr
}

// Err returns the configuration error detected while serving requests, if any.
func (p *Profiler) Err() error {
	p.fatalMutex.Lock()
	defer p.fatalMutex.Unlock()
	return p.fatalErr
}

// HealthChecker reports the profiler unhealthy after a configuration error or when the backend
// fails its own check.
func (p *Profiler) HealthChecker() health.Checker {
	checker := health.NewMultiChecker(health.CheckerFunc(p.Err))
	if backendChecker, ok := p.backend.(backend.HealthChecker); ok {
		checker.Add(health.CheckerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()
			return backendChecker.Check(ctx)
		}))
	}
	return checker
}

// Close drains pending inserts and then closes the backend.
func (p *Profiler) Close(ctx context.Context) error {
	var result *multierror.Error
	if p.pool != nil {
		if err := p.pool.Stop(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "stopping worker pool"))
		}
	}
	if closer, ok := p.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing backend"))
		}
	}
	return result.ErrorOrNil()
}
