package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/model"
)

var (
	measurementsTable = goqu.T("measurements")

	col_id         = goqu.C("id")
	col_name       = goqu.C("name")
	col_type       = goqu.C("type")
	col_method     = goqu.C("method")
	col_context    = goqu.C("context")
	col_beginTime  = goqu.C("begin_time")
	col_finishTime = goqu.C("finish_time")
	col_elapseTime = goqu.C("elapse_time")
)

type measurementRow struct {
	Id         int64          `db:"id"`
	Name       string         `db:"name"`
	Type       sql.NullString `db:"type"`
	Method     sql.NullString `db:"method"`
	Context    sql.NullString `db:"context"`
	BeginTime  float64        `db:"begin_time"`
	FinishTime float64        `db:"finish_time"`
	ElapseTime float64        `db:"elapse_time"`
}

type groupRow struct {
	Name   string          `db:"name"`
	Method sql.NullString  `db:"method"`
	Count  int64           `db:"count"`
	Min    sql.NullFloat64 `db:"min"`
	Max    sql.NullFloat64 `db:"max"`
	Avg    sql.NullFloat64 `db:"avg"`
}

// SqlBackend stores measurements in a single SQL table. The engine specific parts (connection,
// schema, whether inserts can use RETURNING) are supplied by the sqlite and postgres constructors.
type SqlBackend struct {
	name            string
	db              *sql.DB
	goquDb          *goqu.Database
	schema          []string
	setup           func(ctx context.Context) error
	supportsReturn  bool
	writeLock       sync.Locker
	initializeMutex sync.Mutex
	initialized     bool
}

func (r *SqlBackend) GetName() string {
	return r.name
}

func (r *SqlBackend) IsNonblock() bool {
	return false
}

// Initialize creates the measurements table and its indices if they do not exist yet.
func (r *SqlBackend) Initialize(ctx context.Context) error {
	r.initializeMutex.Lock()
	defer r.initializeMutex.Unlock()
	if r.initialized {
		return nil
	}

	if r.setup != nil {
		if err := r.setup(ctx); err != nil {
			return &backend.SetupError{Backend: r.name, Err: err}
		}
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	for _, stmt := range r.schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return &backend.SetupError{Backend: r.name, Err: errors.Wrapf(err, "error executing %q", stmt)}
		}
	}
	r.initialized = true
	log.WithField("backend", r.name).Info("Measurement schema ready")
	return nil
}

func (r *SqlBackend) Insert(ctx context.Context, fields *model.Measurement) (*model.Measurement, error) {
	if err := validateInsert(fields); err != nil {
		return nil, err
	}
	measurement := *fields
	measurement.ElapseTime = measurement.FinishTime - measurement.BeginTime

	var contextJson interface{}
	if measurement.Context != nil {
		data, err := json.Marshal(measurement.Context)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: errors.Wrap(err, "cannot serialize measurement context")}
		}
		contextJson = string(data)
	}

	ds := r.goquDb.Insert(measurementsTable).
		Prepared(true).
		Rows(goqu.Record{
			"name":        measurement.Name,
			"type":        nullableString(measurement.Type),
			"method":      nullableString(measurement.Method),
			"context":     contextJson,
			"begin_time":  measurement.BeginTime,
			"finish_time": measurement.FinishTime,
			"elapse_time": measurement.ElapseTime,
		})

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if r.supportsReturn {
		var id int64
		found, err := ds.Returning(col_id).Executor().ScanValContext(ctx, &id)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: err}
		}
		if !found {
			return nil, &backend.PersistenceError{Op: "insert", Err: errors.New("no id returned")}
		}
		measurement.Id = id
	} else {
		result, err := ds.Executor().ExecContext(ctx)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: err}
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: err}
		}
		measurement.Id = id
	}
	return &measurement, nil
}

func (r *SqlBackend) Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error) {
	if criteria == nil {
		criteria = &model.FilterCriteria{}
	}
	if criteria.Id != nil {
		measurement, err := r.getById(ctx, *criteria.Id, criteria.WithContext)
		if err != nil {
			return nil, err
		}
		return &model.FilterResult{Measurement: measurement}, nil
	}

	order, err := backend.ParseOrder(criteria.Sort, backend.DefaultMeasurementSort, backend.MeasurementSortFields)
	if err != nil {
		return nil, err
	}
	if err := backend.ValidatePage(criteria.Offset, criteria.Limit); err != nil {
		return nil, err
	}

	ds := r.goquDb.From(measurementsTable).Where(createFilterExpressions(criteria)...)

	result := &model.FilterResult{}
	if criteria.ReturnTotal {
		total, err := ds.Prepared(true).CountContext(ctx)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "filter", Err: err}
		}
		result.Total = intPointer(total)
	}

	result.Measurements = make([]*model.Measurement, 0)
	if isEmptyPage(criteria.Limit) {
		return result, nil
	}

	ds = paginate(ds.
		Select(measurementColumns(criteria.WithContext)...).
		Order(orderExpression(order), col_id.Asc()), criteria.Offset, criteria.Limit)

	rows := make([]*measurementRow, 0)
	if err := ds.Prepared(true).ScanStructsContext(ctx, &rows); err != nil {
		return nil, &backend.PersistenceError{Op: "filter", Err: err}
	}

	for _, row := range rows {
		result.Measurements = append(result.Measurements, row.toMeasurement(criteria.WithContext))
	}
	return result, nil
}

func (r *SqlBackend) Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error) {
	if criteria == nil {
		criteria = &model.GroupCriteria{}
	}
	order, err := backend.ParseOrder(criteria.Sort, backend.DefaultGroupSort, backend.GroupSortFields)
	if err != nil {
		return nil, err
	}
	if err := backend.ValidatePage(criteria.Offset, criteria.Limit); err != nil {
		return nil, err
	}

	grouped := r.goquDb.
		From(measurementsTable).
		Select(
			col_name,
			col_method,
			goqu.COUNT(col_id).As("count"),
			goqu.MIN(col_elapseTime).As("min"),
			goqu.MAX(col_elapseTime).As("max"),
			goqu.AVG(col_elapseTime).As("avg")).
		Where(createGroupExpressions(criteria)...).
		GroupBy(col_name, col_method)

	result := &model.GroupResult{}
	if criteria.ReturnTotal {
		total, err := r.goquDb.From(grouped.As("groups")).Prepared(true).CountContext(ctx)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "group", Err: err}
		}
		result.Total = intPointer(total)
	}

	result.Groups = make([]*model.MeasurementGroup, 0)
	if isEmptyPage(criteria.Limit) {
		return result, nil
	}

	ds := paginate(grouped.Order(orderExpression(order), col_name.Asc(), col_method.Asc()), criteria.Offset, criteria.Limit)

	rows := make([]*groupRow, 0)
	if err := ds.Prepared(true).ScanStructsContext(ctx, &rows); err != nil {
		return nil, &backend.PersistenceError{Op: "group", Err: err}
	}

	for _, row := range rows {
		result.Groups = append(result.Groups, &model.MeasurementGroup{
			Name:   row.Name,
			Method: row.Method.String,
			Count:  row.Count,
			Min:    row.Min.Float64,
			Max:    row.Max.Float64,
			Avg:    row.Avg.Float64,
		})
	}
	return result, nil
}

// Prune deletes measurements finished before the given time, oldest ids first, batchSize rows per statement.
func (r *SqlBackend) Prune(ctx context.Context, before float64, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, &backend.ValidationError{Field: "batchSize", Value: batchSize, Message: "must be positive"}
	}
	deleted := 0
	for {
		ids := r.goquDb.
			From(measurementsTable).
			Select(col_id).
			Where(col_finishTime.Lt(before)).
			Order(col_id.Asc()).
			Limit(uint(batchSize))
		ds := r.goquDb.Delete(measurementsTable).Prepared(true).Where(col_id.In(ids))

		affected, err := r.execWrite(ctx, ds)
		if err != nil {
			return deleted, &backend.PersistenceError{Op: "prune", Err: err}
		}
		deleted += int(affected)
		if affected < int64(batchSize) {
			return deleted, nil
		}
	}
}

func (r *SqlBackend) Check(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return errors.Wrapf(err, "%s backend unreachable", r.name)
	}
	return nil
}

func (r *SqlBackend) Close() error {
	return r.db.Close()
}

func (r *SqlBackend) execWrite(ctx context.Context, ds *goqu.DeleteDataset) (int64, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	result, err := ds.Executor().ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SqlBackend) getById(ctx context.Context, id int64, withContext bool) (*model.Measurement, error) {
	ds := r.goquDb.
		From(measurementsTable).
		Select(measurementColumns(withContext)...).
		Where(col_id.Eq(id))

	var row measurementRow
	found, err := ds.Prepared(true).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, &backend.PersistenceError{Op: "filter", Err: err}
	}
	if !found {
		return nil, nil
	}
	return row.toMeasurement(withContext), nil
}

func measurementColumns(withContext bool) []interface{} {
	contextColumn := interface{}(goqu.L("NULL").As("context"))
	if withContext {
		contextColumn = col_context
	}
	return []interface{}{
		col_id,
		col_name,
		col_type,
		col_method,
		contextColumn,
		col_beginTime,
		col_finishTime,
		col_elapseTime,
	}
}

func (row *measurementRow) toMeasurement(withContext bool) *model.Measurement {
	measurement := &model.Measurement{
		Id:            row.Id,
		Name:          row.Name,
		Type:          row.Type.String,
		Method:        row.Method.String,
		BeginTime:     row.BeginTime,
		FinishTime:    row.FinishTime,
		ElapseTime:    row.ElapseTime,
		ContextLoaded: withContext,
	}
	if withContext && row.Context.Valid {
		measurement.Context = decodeContext(row.Context.String)
	}
	return measurement
}

// decodeContext returns nil for context text that is not a JSON object.
func decodeContext(text string) map[string]interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		log.WithError(err).Debug("Ignoring undecodable measurement context")
		return nil
	}
	return decoded
}

func validateInsert(fields *model.Measurement) error {
	if fields == nil || fields.Name == "" {
		return &backend.ValidationError{Field: "name", Value: "", Message: "measurement name is required"}
	}
	if fields.FinishTime < fields.BeginTime {
		return &backend.ValidationError{
			Field:   "finish_time",
			Value:   fields.FinishTime,
			Message: "must not be before begin_time",
		}
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func intPointer(v int64) *int {
	i := int(v)
	return &i
}
