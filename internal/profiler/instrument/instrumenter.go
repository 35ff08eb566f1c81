package instrument

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/profiler/metrics"
	"github.com/armadaproject/profiler/internal/profiler/model"
	"github.com/armadaproject/profiler/internal/profiler/routing"
)

// Sink receives every completed measurement. It is called on the goroutine serving the request
// and must not block.
type Sink func(measurement *model.Measurement)

type Options struct {
	MaxBodyBytes int64
	XHeaders     bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Instrumenter turns routed requests into measurements.
type Instrumenter struct {
	sink         Sink
	maxBodyBytes int64
	xheaders     bool
	now          func() time.Time
	metrics      *metrics.Metrics
}

func NewInstrumenter(sink Sink, options Options) *Instrumenter {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Instrumenter{
		sink:         sink,
		maxBodyBytes: options.MaxBodyBytes,
		xheaders:     options.XHeaders,
		now:          now,
		metrics:      metrics.Get(),
	}
}

// Install registers the receipt middleware and the stamp hook on router and wraps every profiled
// terminal rule registered so far, nested routers included, with the completion hook.
func (i *Instrumenter) Install(router *routing.Router) error {
	router.Use(receiptMiddleware(i.now, i.maxBodyBytes))
	router.OnMatch(StampHook)
	wrapped := 0
	err := router.Walk(func(rule *routing.Rule) error {
		if rule.Terminal() && rule.Profiled() {
			rule.WrapHandler(i.Wrap)
			wrapped++
		}
		return nil
	})
	log.WithField("handlers", wrapped).Info("Profiler installed")
	return err
}

// Wrap runs next and then records a measurement if the request matched a routing rule.
func (i *Instrumenter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := i.now()
		next.ServeHTTP(w, r)
		i.complete(r, start)
	})
}

func (i *Instrumenter) complete(r *http.Request, start time.Time) {
	defer func() {
		if recovered := recover(); recovered != nil {
			i.metrics.RecordCompletionPanic()
			log.WithField("stacktrace", string(debug.Stack())).
				Errorf("Recovered from panic while recording measurement: %s", fmt.Sprint(recovered))
		}
	}()

	stamp := StampFrom(r.Context())
	if stamp == nil {
		return
	}

	var body []byte
	if rec := receiptFrom(r.Context()); rec != nil {
		start = rec.time
		if rec.body != nil {
			body = rec.body.bytes()
		}
	}
	finish := i.now()
	if finish.Before(start) {
		finish = start
	}

	measurement := &model.Measurement{
		Name:       stamp.Name,
		Type:       stamp.Type,
		Method:     r.Method,
		Context:    BuildContext(r, stamp, body, i.xheaders),
		BeginTime:  epochSeconds(start),
		FinishTime: epochSeconds(finish),
	}
	measurement.ElapseTime = measurement.FinishTime - measurement.BeginTime
	i.sink(measurement)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
