package api

import (
	"context"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/common/logging"
	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/metrics"
	"github.com/armadaproject/profiler/internal/profiler/model"
	"github.com/armadaproject/profiler/internal/profiler/routing"
)

//go:embed assets
var assets embed.FS

var dashboardTemplate = template.Must(template.ParseFS(assets, "assets/index.html"))

// Querier runs read queries against the measurement store.
type Querier interface {
	Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error)
	Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error)
}

type Api struct {
	querier   Querier
	urlPrefix string
	metrics   *metrics.Metrics
}

func New(urlPrefix string, querier Querier) *Api {
	return &Api{
		querier:   querier,
		urlPrefix: urlPrefix,
		metrics:   metrics.Get(),
	}
}

// Router returns the routes of the dashboard and the query API, all under the url prefix.
// It is meant to be mounted on the application router at the same prefix.
func (a *Api) Router() *routing.Router {
	prefix := regexp.QuoteMeta(a.urlPrefix)
	router := routing.NewRouter()
	router.HandleFunc(prefix+"/?", get(a.dashboard))
	router.HandleFunc(prefix+"/api/measurements/?", get(a.measurements))
	router.HandleFunc(prefix+"/api/measurements/groups/?", get(a.groups))
	router.HandleFunc(prefix+`/api/measurements/(?P<id>\d+)/?`, get(a.measurement))

	static, err := fs.Sub(assets, "assets/static")
	if err != nil {
		panic(err)
	}
	router.Static(prefix+"/static/(?P<path>.+)", http.FS(static))
	return router
}

func get(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), nil)
			return
		}
		handler(w, r)
	}
}

func (a *Api) dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	err := dashboardTemplate.Execute(w, struct{ UrlPrefix string }{UrlPrefix: a.urlPrefix})
	if err != nil {
		log.WithError(err).Error("Failed to render dashboard")
	}
}

func (a *Api) measurements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if isGridRequest(query) {
		criteria, echo, err := parseGridFilterCriteria(query)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		result, err := a.querier.Filter(r.Context(), criteria)
		if err != nil {
			a.backendFailure(w, metrics.BackendOperationFilter, err)
			return
		}
		writeJson(w, http.StatusOK, gridResponse{
			Echo:                echo,
			TotalRecords:        total(result.Total),
			TotalDisplayRecords: total(result.Total),
			Data:                result.Measurements,
		})
		return
	}

	criteria, err := parseFilterCriteria(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	result, err := a.querier.Filter(r.Context(), criteria)
	if err != nil {
		a.backendFailure(w, metrics.BackendOperationFilter, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"measurements": result.Measurements})
}

func (a *Api) measurement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(routing.PathArgs(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, namedParamError("id").Error(), nil)
		return
	}
	withContext := true
	if value, ok := param(r.URL.Query(), "with_context"); ok {
		if withContext, err = Str2Bool(value); err != nil {
			writeError(w, http.StatusBadRequest, namedParamError("with_context").Error(), nil)
			return
		}
	}
	result, err := a.querier.Filter(r.Context(), &model.FilterCriteria{Id: &id, WithContext: withContext})
	if err != nil {
		a.backendFailure(w, metrics.BackendOperationFilter, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"measurement": result.Measurement})
}

func (a *Api) groups(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if isGridRequest(query) {
		criteria, echo, err := parseGridGroupCriteria(query)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		result, err := a.querier.Group(r.Context(), criteria)
		if err != nil {
			a.backendFailure(w, metrics.BackendOperationGroup, err)
			return
		}
		writeJson(w, http.StatusOK, gridResponse{
			Echo:                echo,
			TotalRecords:        total(result.Total),
			TotalDisplayRecords: total(result.Total),
			Data:                result.Groups,
		})
		return
	}

	criteria, err := parseGroupCriteria(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	result, err := a.querier.Group(r.Context(), criteria)
	if err != nil {
		a.backendFailure(w, metrics.BackendOperationGroup, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"measurements": result.Groups})
}

func (a *Api) backendFailure(w http.ResponseWriter, operation metrics.BackendOperation, err error) {
	logger := log.WithField("operation", operation)
	var validationError *backend.ValidationError
	if errors.As(err, &validationError) {
		logger.WithError(err).Warn("Rejected measurement query")
	} else {
		a.metrics.RecordBackendError(operation)
		logging.WithStacktrace(logger, err).Error("Measurement query failed")
	}
	writeInternalError(w)
}

func total(t *int) int {
	if t == nil {
		return 0
	}
	return *t
}
