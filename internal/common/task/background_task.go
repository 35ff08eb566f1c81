package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function    func()
	interval    time.Duration
	name        string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions at a fixed interval until stopped.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks    []*task
	duration *prometheus.HistogramVec
	wg       *sync.WaitGroup
}

// NewBackgroundTaskManager creates a manager whose task latencies are registered with registerer
// under metricsPrefix + "background_task_latency_seconds".
func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		duration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "background_task_latency_seconds",
				Help:    "Background task latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"task"},
		),
		wg: &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, name string) {
	t := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits for running invocations to finish.
// It returns true if they did not finish within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	m.tasks = nil
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	observer := m.duration.WithLabelValues(t.name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			t.function()
			observer.Observe(time.Since(start).Seconds())
			select {
			case <-ticker.C:
			case <-t.stopChannel:
				log.WithField("task", t.name).Debug("Background task stopped")
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
