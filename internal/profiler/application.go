package profiler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/profiler/internal/common/health"
	"github.com/armadaproject/profiler/internal/common/serve"
	"github.com/armadaproject/profiler/internal/common/task"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
	"github.com/armadaproject/profiler/internal/profiler/metrics"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	Config *configuration.ProfilerConfiguration
}

func NewApp(config *configuration.ProfilerConfiguration) *App {
	return &App{Config: config}
}

// StartUp serves the demo application with the profiler installed, plus metrics and health
// endpoints, until ctx is cancelled or a server fails.
func (a *App) StartUp(ctx context.Context) error {
	config := a.Config
	logger := log.WithField("Profiler", "Startup")

	p, err := New(ctx, config.Profiler)
	if err != nil {
		return err
	}

	router := DemoRouter()
	if err := p.Install(router); err != nil {
		return errors.WithMessage(err, "error installing profiler")
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	health.SetupHttpMux(metricsMux, p.HealthChecker())

	var taskManager *task.BackgroundTaskManager
	if config.Pruner.Enabled {
		pruner, err := p.Pruner(config.Pruner)
		if err != nil {
			return err
		}
		taskManager = task.NewBackgroundTaskManager(metrics.MetricsPrefix, prometheus.DefaultRegisterer)
		pruner.Register(ctx, taskManager)
		logger.Infof("Pruning measurements older than %s every %s", config.Pruner.ExpireAfter, config.Pruner.Interval)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve.ListenAndServe(ctx, serve.NewServer(fmt.Sprintf(":%d", config.HttpPort), router))
	})
	g.Go(func() error {
		return serve.ListenAndServe(ctx, serve.NewServer(fmt.Sprintf(":%d", config.MetricsPort), metricsMux))
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if taskManager != nil && taskManager.StopAll(shutdownTimeout) {
		logger.Warn("Timed out waiting for pruner to stop")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		result = multierror.Append(result, err)
	}
	logger.Info("Profiler stopped")
	return result.ErrorOrNil()
}
