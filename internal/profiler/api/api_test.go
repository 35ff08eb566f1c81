package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/profiler/internal/common/pointer"
	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/model"
)

const testPrefix = "/tornado-profiler"

type fakeQuerier struct {
	filterCriteria *model.FilterCriteria
	groupCriteria  *model.GroupCriteria
	filterResult   *model.FilterResult
	groupResult    *model.GroupResult
	err            error
}

func (f *fakeQuerier) Filter(ctx context.Context, criteria *model.FilterCriteria) (*model.FilterResult, error) {
	f.filterCriteria = criteria
	if f.err != nil {
		return nil, f.err
	}
	if f.filterResult != nil {
		return f.filterResult, nil
	}
	return &model.FilterResult{Measurements: []*model.Measurement{}}, nil
}

func (f *fakeQuerier) Group(ctx context.Context, criteria *model.GroupCriteria) (*model.GroupResult, error) {
	f.groupCriteria = criteria
	if f.err != nil {
		return nil, f.err
	}
	if f.groupResult != nil {
		return f.groupResult, nil
	}
	return &model.GroupResult{Groups: []*model.MeasurementGroup{}}, nil
}

func serve(t *testing.T, querier Querier, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	New(testPrefix, querier).Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestStr2Bool(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected bool
		err      bool
	}{
		"true":  {input: "true", expected: true},
		"YES":   {input: "YES", expected: true},
		"1":     {input: "1", expected: true},
		"False": {input: "False", expected: false},
		"no":    {input: "no", expected: false},
		"0":     {input: "0", expected: false},
		"maybe": {input: "maybe", err: true},
		"empty": {input: "", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := Str2Bool(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestMeasurements_Direct(t *testing.T) {
	querier := &fakeQuerier{filterResult: &model.FilterResult{Measurements: []*model.Measurement{
		{Id: 1, Name: "/a", Method: "GET", BeginTime: 1, FinishTime: 1.5, ElapseTime: 0.5},
	}}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/?begin_time=1.5&finish_time=9&elapse_time=0.1"+
		"&method=GET&name=%2Fa&name_regex=a&sort=begin_time,desc&offset=2&limit=5&with_context=yes")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.FilterCriteria{
		BeginTime:   pointer.Pointer(1.5),
		FinishTime:  pointer.Pointer(9.0),
		ElapseTime:  pointer.Pointer(0.1),
		Method:      pointer.Pointer("GET"),
		Name:        pointer.Pointer("/a"),
		NameRegex:   pointer.Pointer("a"),
		Sort:        "begin_time,desc",
		Offset:      pointer.Pointer(2),
		Limit:       pointer.Pointer(5),
		WithContext: true,
	}, querier.filterCriteria)

	body := decode(t, recorder)
	measurements := body["measurements"].([]interface{})
	require.Len(t, measurements, 1)
	assert.Equal(t, "/a", measurements[0].(map[string]interface{})["name"])
}

func TestMeasurements_NoTrailingSlash(t *testing.T) {
	querier := &fakeQuerier{}
	recorder := serve(t, querier, testPrefix+"/api/measurements")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.FilterCriteria{}, querier.filterCriteria)
	assert.JSONEq(t, `{"measurements": []}`, recorder.Body.String())
}

func TestMeasurements_ParamErrors(t *testing.T) {
	tests := map[string]struct {
		query   string
		message string
	}{
		"bad float":         {query: "begin_time=yesterday", message: `Param "begin_time" error`},
		"bad int":           {query: "limit=ten", message: `Param "limit" error`},
		"negative offset":   {query: "offset=-1", message: `Param "offset" error`},
		"bad bool":          {query: "with_context=perhaps", message: `Param "with_context" error`},
		"unknown parameter": {query: "colour=blue", message: `Param "colour" error`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			querier := &fakeQuerier{}
			recorder := serve(t, querier, testPrefix+"/api/measurements/?"+tc.query)
			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			assert.JSONEq(t, `{"error": {"status": 400, "message": `+quote(tc.message)+`, "code": null}}`, recorder.Body.String())
			assert.Nil(t, querier.filterCriteria)
		})
	}
}

func TestMeasurements_BackendErrors(t *testing.T) {
	tests := map[string]error{
		"validation":  &backend.ValidationError{Field: "sort", Value: "colour", Message: "unknown sort field"},
		"persistence": &backend.PersistenceError{Op: "filter", Err: errors.New("disk on fire")},
	}
	for name, err := range tests {
		t.Run(name, func(t *testing.T) {
			recorder := serve(t, &fakeQuerier{err: err}, testPrefix+"/api/measurements/")
			assert.Equal(t, http.StatusInternalServerError, recorder.Code)
			assert.JSONEq(t, `{"error": {"status": 500, "message": "Profiler internal error", "code": 1}}`, recorder.Body.String())
		})
	}
}

func TestMeasurements_Grid(t *testing.T) {
	querier := &fakeQuerier{filterResult: &model.FilterResult{
		Measurements: []*model.Measurement{{Id: 3, Name: "/b", Method: "POST", BeginTime: 5, FinishTime: 7, ElapseTime: 2}},
		Total:        pointer.Pointer(42),
	}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/?sEcho=7&iDisplayStart=20&iDisplayLength=25"+
		"&iSortCol_0=3&sSortDir_0=desc&iColumns=4&_=1700000000"+
		"&bSearchable_0=true&sSearch_0=POST"+
		"&bSearchable_1=true&sSearch_1=items"+
		"&bSearchable_2=true&sSearch_2=0.25"+
		"&bSearchable_3=true&sSearch_3=100-200")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.FilterCriteria{
		Sort:        "begin_time,desc",
		Offset:      pointer.Pointer(20),
		Limit:       pointer.Pointer(25),
		ReturnTotal: true,
		Method:      pointer.Pointer("POST"),
		NameRegex:   pointer.Pointer("items"),
		ElapseTime:  pointer.Pointer(0.25),
		BeginTime:   pointer.Pointer(100.0),
		FinishTime:  pointer.Pointer(200.0),
	}, querier.filterCriteria)

	body := decode(t, recorder)
	assert.Equal(t, "7", body["sEcho"])
	assert.Equal(t, 42.0, body["iTotalRecords"])
	assert.Equal(t, 42.0, body["iTotalDisplayRecords"])
	assert.Len(t, body["data"], 1)
}

func TestMeasurements_GridDefaults(t *testing.T) {
	querier := &fakeQuerier{}
	recorder := serve(t, querier, testPrefix+"/api/measurements/?sEcho=&bSearchable_0=true&sSearch_0=all&sSearch_1=ignored&bSearchable_3=true&sSearch_3=-50")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.FilterCriteria{
		Sort:        "elapse_time,asc",
		Offset:      pointer.Pointer(0),
		Limit:       pointer.Pointer(10),
		ReturnTotal: true,
		FinishTime:  pointer.Pointer(50.0),
	}, querier.filterCriteria)
}

func TestMeasurements_GridParamErrors(t *testing.T) {
	queries := map[string]string{
		"unmapped sort column": "sEcho=1&iSortCol_0=9",
		"bad start":            "sEcho=1&iDisplayStart=abc",
		"bad elapse search":    "sEcho=1&bSearchable_2=true&sSearch_2=slow",
		"bad range":            "sEcho=1&bSearchable_3=true&sSearch_3=1-2-3",
		"bad searchable":       "sEcho=1&bSearchable_0=sometimes",
	}
	for name, query := range queries {
		t.Run(name, func(t *testing.T) {
			recorder := serve(t, &fakeQuerier{}, testPrefix+"/api/measurements/?"+query)
			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			assert.JSONEq(t, `{"error": {"status": 400, "message": "Param error", "code": null}}`, recorder.Body.String())
		})
	}
}

func TestMeasurement_ById(t *testing.T) {
	querier := &fakeQuerier{filterResult: &model.FilterResult{Measurement: &model.Measurement{
		Id: 5, Name: "/a", Method: "GET", Context: map[string]interface{}{"uri": "/a"}, ContextLoaded: true,
	}}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/5/")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.FilterCriteria{Id: pointer.Pointer(int64(5)), WithContext: true}, querier.filterCriteria)
	measurement := decode(t, recorder)["measurement"].(map[string]interface{})
	assert.Equal(t, 5.0, measurement["id"])
	assert.Equal(t, map[string]interface{}{"uri": "/a"}, measurement["context"])
}

func TestMeasurement_NotFound(t *testing.T) {
	querier := &fakeQuerier{filterResult: &model.FilterResult{}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/99?with_context=0")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.False(t, querier.filterCriteria.WithContext)
	assert.JSONEq(t, `{"measurement": null}`, recorder.Body.String())
}

func TestGroups_Direct(t *testing.T) {
	querier := &fakeQuerier{groupResult: &model.GroupResult{Groups: []*model.MeasurementGroup{
		{Name: "/a", Method: "GET", Count: 2, Min: 1, Max: 3, Avg: 2},
	}}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/groups?search=get&sort=avg,asc&limit=3&begin_time=1")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.GroupCriteria{
		Search:    pointer.Pointer("get"),
		Sort:      "avg,asc",
		Limit:     pointer.Pointer(3),
		BeginTime: pointer.Pointer(1.0),
	}, querier.groupCriteria)
	assert.JSONEq(t, `{"measurements": [{"name": "/a", "method": "GET", "count": 2, "min": 1, "max": 3, "avg": 2}]}`,
		recorder.Body.String())

	recorder = serve(t, querier, testPrefix+"/api/measurements/groups/?with_context=true")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGroups_Grid(t *testing.T) {
	querier := &fakeQuerier{groupResult: &model.GroupResult{Groups: []*model.MeasurementGroup{}, Total: pointer.Pointer(0)}}
	recorder := serve(t, querier, testPrefix+"/api/measurements/groups/?sEcho=3&iSortCol_0=4&sSortDir_0=desc&sSearch=items&iDisplayLength=-1")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, &model.GroupCriteria{
		Search:      pointer.Pointer("items"),
		Sort:        "max,desc",
		Offset:      pointer.Pointer(0),
		ReturnTotal: true,
	}, querier.groupCriteria)
	assert.JSONEq(t, `{"sEcho": "3", "iTotalRecords": 0, "iTotalDisplayRecords": 0, "data": []}`, recorder.Body.String())

	recorder = serve(t, querier, testPrefix+"/api/measurements/groups/?sEcho=3&iSortCol_0=0")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDashboardAndStatic(t *testing.T) {
	for _, target := range []string{testPrefix, testPrefix + "/"} {
		recorder := serve(t, &fakeQuerier{}, target)
		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), testPrefix+"/static/js/profiler.js")
	}

	recorder := serve(t, &fakeQuerier{}, testPrefix+"/static/js/profiler.js")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "sEcho")

	recorder = serve(t, &fakeQuerier{}, testPrefix+"/static/js/missing.js")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	recorder := httptest.NewRecorder()
	New(testPrefix, &fakeQuerier{}).Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, testPrefix+"/api/measurements/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
	assert.Equal(t, "GET, HEAD", recorder.Header().Get("Allow"))
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
