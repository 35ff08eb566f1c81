package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
	"github.com/armadaproject/profiler/internal/profiler/model"
)

const (
	MemoryEngine = "memory"

	memoryTable = "measurements"
	idIndex     = "id"
)

// MemoryBackend keeps measurements in a process-private go-memdb database.
// Reads run against immutable snapshots, so it never blocks a request for long and is non-blocking.
type MemoryBackend struct {
	db       *memdb.MemDB
	capacity int

	// Guards the fields below; held for the duration of every write transaction.
	writeMutex sync.Mutex
	nextId     int64
	oldestId   int64
	size       int
}

func NewMemoryBackend(config configuration.MemoryConfig) (*MemoryBackend, error) {
	db, err := memdb.NewMemDB(memoryDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryBackend{
		db:       db,
		capacity: config.Capacity,
		nextId:   1,
		oldestId: 1,
	}, nil
}

func newMemoryFromConfig(config configuration.BackendConfig) (backend.Backend, error) {
	return NewMemoryBackend(config.Memory)
}

func memoryDbSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.IntFieldIndex{Field: "Id"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			memoryTable: {
				Name:    memoryTable,
				Indexes: indexes,
			},
		},
	}
}

func (r *MemoryBackend) GetName() string {
	return MemoryEngine
}

func (r *MemoryBackend) Initialize(ctx context.Context) error {
	return nil
}

func (r *MemoryBackend) IsNonblock() bool {
	return true
}

func (r *MemoryBackend) Insert(ctx context.Context, fields *model.Measurement) (*model.Measurement, error) {
	if err := validateInsert(fields); err != nil {
		return nil, err
	}
	measurement := *fields
	measurement.ElapseTime = measurement.FinishTime - measurement.BeginTime
	measurement.ContextLoaded = false
	if measurement.Context != nil {
		normalized, err := normalizeContext(measurement.Context)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: err}
		}
		measurement.Context = normalized
	}

	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()

	txn := r.db.Txn(true)
	defer txn.Abort()

	measurement.Id = r.nextId
	if err := txn.Insert(memoryTable, &measurement); err != nil {
		return nil, &backend.PersistenceError{Op: "insert", Err: err}
	}
	size := r.size + 1
	oldestId := r.oldestId
	for r.capacity > 0 && size > r.capacity {
		evicted, err := r.deleteOldest(txn, &oldestId)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "insert", Err: err}
		}
		if !evicted {
			break
		}
		size--
	}
	txn.Commit()

	r.nextId++
	r.size = size
	r.oldestId = oldestId
	stored := measurement
	stored.Context = cloneContext(measurement.Context)
	return &stored, nil
}

func (r *MemoryBackend) Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error) {
	if criteria == nil {
		criteria = &model.FilterCriteria{}
	}
	txn := r.db.Txn(false)
	defer txn.Abort()

	if criteria.Id != nil {
		raw, err := txn.First(memoryTable, idIndex, *criteria.Id)
		if err != nil {
			return nil, &backend.PersistenceError{Op: "filter", Err: err}
		}
		if raw == nil {
			return &model.FilterResult{}, nil
		}
		return &model.FilterResult{Measurement: present(raw.(*model.Measurement), criteria.WithContext)}, nil
	}

	order, err := backend.ParseOrder(criteria.Sort, backend.DefaultMeasurementSort, backend.MeasurementSortFields)
	if err != nil {
		return nil, err
	}
	if err := backend.ValidatePage(criteria.Offset, criteria.Limit); err != nil {
		return nil, err
	}

	all, err := r.all(txn)
	if err != nil {
		return nil, &backend.PersistenceError{Op: "filter", Err: err}
	}
	matching := make([]*model.Measurement, 0, len(all))
	for _, m := range all {
		if matchesFilter(m, criteria) {
			matching = append(matching, m)
		}
	}

	less := measurementLess(order)
	sort.SliceStable(matching, func(i, j int) bool { return less(matching[i], matching[j]) })

	result := &model.FilterResult{}
	if criteria.ReturnTotal {
		total := len(matching)
		result.Total = &total
	}
	page := pageBounds(len(matching), criteria.Offset, criteria.Limit)
	result.Measurements = make([]*model.Measurement, 0, page.end-page.start)
	for _, m := range matching[page.start:page.end] {
		result.Measurements = append(result.Measurements, present(m, criteria.WithContext))
	}
	return result, nil
}

func (r *MemoryBackend) Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error) {
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

	txn := r.db.Txn(false)
	defer txn.Abort()
	all, err := r.all(txn)
	if err != nil {
		return nil, &backend.PersistenceError{Op: "group", Err: err}
	}

	type groupKey struct{ name, method string }
	type accumulator struct {
		group *model.MeasurementGroup
		sum   float64
	}
	accumulators := map[groupKey]*accumulator{}
	groups := make([]*model.MeasurementGroup, 0)
	for _, m := range all {
		if !matchesGroup(m, criteria) {
			continue
		}
		key := groupKey{m.Name, m.Method}
		acc, ok := accumulators[key]
		if !ok {
			acc = &accumulator{group: &model.MeasurementGroup{
				Name:   m.Name,
				Method: m.Method,
				Min:    m.ElapseTime,
				Max:    m.ElapseTime,
			}}
			accumulators[key] = acc
			groups = append(groups, acc.group)
		}
		acc.group.Count++
		acc.sum += m.ElapseTime
		if m.ElapseTime < acc.group.Min {
			acc.group.Min = m.ElapseTime
		}
		if m.ElapseTime > acc.group.Max {
			acc.group.Max = m.ElapseTime
		}
	}
	for _, acc := range accumulators {
		acc.group.Avg = acc.sum / float64(acc.group.Count)
	}

	less := groupLess(order)
	sort.SliceStable(groups, func(i, j int) bool { return less(groups[i], groups[j]) })

	result := &model.GroupResult{}
	if criteria.ReturnTotal {
		total := len(groups)
		result.Total = &total
	}
	page := pageBounds(len(groups), criteria.Offset, criteria.Limit)
	result.Groups = groups[page.start:page.end]
	return result, nil
}

// Prune deletes measurements finished before the given time, committing every batchSize deletions.
func (r *MemoryBackend) Prune(ctx context.Context, before float64, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, &backend.ValidationError{Field: "batchSize", Value: batchSize, Message: "must be positive"}
	}
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		n, err := r.pruneBatch(before, batchSize)
		deleted += n
		if err != nil {
			return deleted, &backend.PersistenceError{Op: "prune", Err: err}
		}
		if n < batchSize {
			return deleted, nil
		}
	}
}

func (r *MemoryBackend) pruneBatch(before float64, batchSize int) (int, error) {
	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()

	txn := r.db.Txn(true)
	defer txn.Abort()

	all, err := r.all(txn)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range all {
		if deleted == batchSize {
			break
		}
		if m.FinishTime < before {
			if err := txn.Delete(memoryTable, m); err != nil {
				return 0, err
			}
			deleted++
		}
	}
	txn.Commit()
	r.size -= deleted
	return deleted, nil
}

func (r *MemoryBackend) deleteOldest(txn *memdb.Txn, oldestId *int64) (bool, error) {
	for id := *oldestId; id <= r.nextId; id++ {
		raw, err := txn.First(memoryTable, idIndex, id)
		if err != nil {
			return false, err
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(memoryTable, raw); err != nil {
			return false, err
		}
		*oldestId = id + 1
		return true, nil
	}
	return false, nil
}

// all returns every stored measurement ordered by id.
func (r *MemoryBackend) all(txn *memdb.Txn) ([]*model.Measurement, error) {
	iter, err := txn.Get(memoryTable, idIndex)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Measurement, 0)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		result = append(result, raw.(*model.Measurement))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func matchesFilter(m *model.Measurement, criteria *model.FilterCriteria) bool {
	if criteria.ElapseTime != nil && m.ElapseTime < *criteria.ElapseTime {
		return false
	}
	if criteria.BeginTime != nil && m.BeginTime < *criteria.BeginTime {
		return false
	}
	if criteria.FinishTime != nil && m.FinishTime > *criteria.FinishTime {
		return false
	}
	if criteria.Method != nil && m.Method != *criteria.Method {
		return false
	}
	if criteria.Name != nil {
		return m.Name == *criteria.Name
	}
	if criteria.NameRegex != nil {
		return containsFold(m.Name, *criteria.NameRegex)
	}
	return true
}

func matchesGroup(m *model.Measurement, criteria *model.GroupCriteria) bool {
	if criteria.BeginTime != nil && m.BeginTime < *criteria.BeginTime {
		return false
	}
	if criteria.FinishTime != nil && m.FinishTime > *criteria.FinishTime {
		return false
	}
	if criteria.Search != nil && *criteria.Search != "" {
		return containsFold(m.Name, *criteria.Search) || containsFold(m.Method, *criteria.Search)
	}
	if criteria.Name != nil && m.Name != *criteria.Name {
		return false
	}
	if criteria.Method != nil && m.Method != *criteria.Method {
		return false
	}
	return true
}

func containsFold(s string, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func measurementLess(order *model.Order) func(a, b *model.Measurement) bool {
	desc := order.Direction == model.DirectionDesc
	return func(a, b *model.Measurement) bool {
		c := compareMeasurements(a, b, order.Field)
		if c == 0 {
			return a.Id < b.Id
		}
		if desc {
			return c > 0
		}
		return c < 0
	}
}

func compareMeasurements(a, b *model.Measurement, field string) int {
	switch field {
	case "id":
		return compareInt(a.Id, b.Id)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "method":
		return strings.Compare(a.Method, b.Method)
	case "begin_time":
		return compareFloat(a.BeginTime, b.BeginTime)
	case "finish_time":
		return compareFloat(a.FinishTime, b.FinishTime)
	default:
		return compareFloat(a.ElapseTime, b.ElapseTime)
	}
}

func groupLess(order *model.Order) func(a, b *model.MeasurementGroup) bool {
	desc := order.Direction == model.DirectionDesc
	return func(a, b *model.MeasurementGroup) bool {
		var c int
		switch order.Field {
		case "name":
			c = strings.Compare(a.Name, b.Name)
		case "method":
			c = strings.Compare(a.Method, b.Method)
		case "count":
			c = compareInt(a.Count, b.Count)
		case "min":
			c = compareFloat(a.Min, b.Min)
		case "max":
			c = compareFloat(a.Max, b.Max)
		default:
			c = compareFloat(a.Avg, b.Avg)
		}
		if c == 0 {
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Method < b.Method
		}
		if desc {
			return c > 0
		}
		return c < 0
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type bounds struct {
	start int
	end   int
}

func pageBounds(n int, offset *int, limit *int) bounds {
	start := 0
	if offset != nil {
		start = *offset
	}
	if start > n {
		start = n
	}
	end := n
	if limit != nil && start+*limit < n {
		end = start + *limit
	}
	return bounds{start: start, end: end}
}

// present copies a stored measurement for a caller, dropping the context unless requested.
func present(m *model.Measurement, withContext bool) *model.Measurement {
	result := *m
	result.ContextLoaded = withContext
	if withContext {
		result.Context = cloneContext(m.Context)
	} else {
		result.Context = nil
	}
	return &result
}

// cloneContext deep copies a normalized context so callers never share maps or slices with the
// stored record.
func cloneContext(context map[string]interface{}) map[string]interface{} {
	if context == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(context))
	for key, value := range context {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return cloneContext(v)
	case []interface{}:
		clone := make([]interface{}, len(v))
		for i, item := range v {
			clone[i] = cloneValue(item)
		}
		return clone
	default:
		return v
	}
}

// normalizeContext gives the memory engine the same context representation the SQL engines
// produce after a JSON round trip.
func normalizeContext(context map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(context)
	if err != nil {
		return nil, errors.Wrap(err, "cannot serialize measurement context")
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, errors.WithStack(err)
	}
	return normalized, nil
}
