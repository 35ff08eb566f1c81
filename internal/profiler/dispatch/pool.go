package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/profiler/configuration"
	"github.com/armadaproject/profiler/internal/profiler/metrics"
)

var (
	ErrQueueFull   = errors.New("dispatch queue is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task is a unit of backend work. The context is cancelled if the pool is stopped before the task completes.
type Task func(ctx context.Context)

// WorkerPool runs backend tasks on a fixed number of goroutines fed by a bounded queue.
// When the queue is full Submit either drops the task or blocks, depending on the saturation policy.
type WorkerPool struct {
	workers int
	policy  string
	queue   chan Task
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// Closed before the queue is closed so that blocked submitters give up.
	stopping chan struct{}
	stopOnce sync.Once
	// Held for reading while sending to the queue and for writing while closing it.
	queueMutex sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
}

func NewWorkerPool(workers int, queueSize int, policy string) (*WorkerPool, error) {
	if workers <= 0 {
		return nil, errors.Errorf("worker pool needs at least one worker, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, errors.Errorf("worker pool queue size must be positive, got %d", queueSize)
	}
	if policy == "" {
		policy = configuration.SaturationPolicyDrop
	}
	if policy != configuration.SaturationPolicyDrop && policy != configuration.SaturationPolicyBlock {
		return nil, errors.Errorf("unknown saturation policy %q", policy)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		workers:  workers,
		policy:   policy,
		queue:    make(chan Task, queueSize),
		metrics:  metrics.Get(),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	log.WithFields(log.Fields{
		"workers":   workers,
		"queueSize": queueSize,
		"policy":    policy,
	}).Info("Worker pool started")
	return p, nil
}

func (p *WorkerPool) Workers() int {
	return p.workers
}

// Submit queues a fire-and-forget task.
// It returns ErrQueueFull when the task was dropped and ErrPoolStopped after Stop has been called.
func (p *WorkerPool) Submit(task Task) error {
	p.queueMutex.RLock()
	defer p.queueMutex.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.queue <- task:
		p.metrics.SetDispatchQueueDepth(len(p.queue))
		return nil
	default:
	}

	if p.policy == configuration.SaturationPolicyDrop {
		p.metrics.RecordDispatchDropped()
		return ErrQueueFull
	}
	return p.send(context.Background(), task)
}

// Do runs fn on a worker and waits for its result. Do never drops: it waits for queue space
// regardless of the saturation policy, until ctx is done.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	task := func(poolCtx context.Context) {
		err := errors.New("task panicked")
		defer func() { result <- err }()
		taskCtx, cancel := mergeCancel(ctx, poolCtx)
		defer cancel()
		err = fn(taskCtx)
	}

	p.queueMutex.RLock()
	if p.closed {
		p.queueMutex.RUnlock()
		return ErrPoolStopped
	}
	err := p.send(ctx, task)
	p.queueMutex.RUnlock()
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting tasks and waits for queued tasks to finish.
// If ctx is done first, running tasks are cancelled and ctx.Err() is returned.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopping)
		p.queueMutex.Lock()
		p.closed = true
		close(p.queue)
		p.queueMutex.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// send must be called with queueMutex held for reading.
func (p *WorkerPool) send(ctx context.Context, task Task) error {
	select {
	case p.queue <- task:
		p.metrics.SetDispatchQueueDepth(len(p.queue))
		return nil
	case <-p.stopping:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.metrics.SetDispatchQueueDepth(len(p.queue))
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stacktrace", string(debug.Stack())).
				Errorf("Recovered from panic in worker pool task: %s", fmt.Sprint(r))
		}
	}()
	task(p.ctx)
}

// mergeCancel returns a context carrying the values of parent that is also cancelled when other is.
func mergeCancel(parent context.Context, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-other.Done():
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
