package instrument

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/profiler/internal/profiler/model"
	"github.com/armadaproject/profiler/internal/profiler/routing"
)

type recordingSink struct {
	mutex        sync.Mutex
	measurements []*model.Measurement
}

func (s *recordingSink) record(measurement *model.Measurement) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.measurements = append(s.measurements, measurement)
}

// steppingClock advances by step on every reading.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mutex sync.Mutex
	current := start.Add(-step)
	return func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		current = current.Add(step)
		return current
	}
}

func newInstrumentedRouter(t *testing.T, sink *recordingSink, maxBodyBytes int64) *routing.Router {
	router := routing.NewRouter()
	router.HandleFunc("/items/(?P<id>\\d+)", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	router.Static("/static/(?P<path>.*)", http.FS(fstest.MapFS{"app.js": {Data: []byte("x")}}))
	api := routing.NewRouter()
	api.HandleFunc("/profiler/api", func(w http.ResponseWriter, r *http.Request) {})
	router.Mount("/profiler", api, routing.Unprofiled())

	instrumenter := NewInstrumenter(sink.record, Options{
		MaxBodyBytes: maxBodyBytes,
		Now:          steppingClock(time.Unix(1000, 0), 250*time.Millisecond),
	})
	require.NoError(t, instrumenter.Install(router))
	return router
}

func TestInstall_RecordsMatchedRequest(t *testing.T) {
	sink := &recordingSink{}
	router := newInstrumentedRouter(t, sink, 1024)

	request := httptest.NewRequest(http.MethodPost, "/items/42?q=1", strings.NewReader("hello"))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusCreated, recorder.Code)
	require.Len(t, sink.measurements, 1)
	measurement := sink.measurements[0]
	assert.Equal(t, "/items/(?P<id>\\d+)", measurement.Name)
	assert.Equal(t, model.TypePathMatch, measurement.Type)
	assert.Equal(t, http.MethodPost, measurement.Method)
	assert.Equal(t, 1000.0, measurement.BeginTime)
	assert.Equal(t, 1000.5, measurement.FinishTime)
	assert.Equal(t, 0.5, measurement.ElapseTime)
	assert.Equal(t, "42", measurement.Context["id"])
	assert.Equal(t, "/items/42?q=1", measurement.Context["uri"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), measurement.Context["body"])
	assert.Equal(t, map[string][]string{"q": {"1"}}, measurement.Context["arguments"])
}

func TestInstall_SkipsUnmatchedStaticAndUnprofiled(t *testing.T) {
	sink := &recordingSink{}
	router := newInstrumentedRouter(t, sink, 1024)

	for _, target := range []string{"/missing", "/static/app.js", "/profiler/api"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}
	assert.Empty(t, sink.measurements)
}

func TestInstall_BodyCaptureIsBounded(t *testing.T) {
	sink := &recordingSink{}
	router := newInstrumentedRouter(t, sink, 3)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/items/1", strings.NewReader("hello")))
	require.Len(t, sink.measurements, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hel")), sink.measurements[0].Context["body"])
}

func TestInstall_SinkPanicIsRecovered(t *testing.T) {
	router := routing.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	instrumenter := NewInstrumenter(func(*model.Measurement) { panic("sink failure") }, Options{})
	require.NoError(t, instrumenter.Install(router))

	recorder := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusAccepted, recorder.Code)
}

func TestWrap_WithoutReceipt(t *testing.T) {
	sink := &recordingSink{}
	instrumenter := NewInstrumenter(sink.record, Options{Now: steppingClock(time.Unix(10, 0), time.Second)})
	handler := instrumenter.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	request := httptest.NewRequest(http.MethodGet, "/x", nil)
	request = request.WithContext(WithStamp(request.Context(), &Stamp{Name: "/x", Type: model.TypePathMatch}))
	handler.ServeHTTP(httptest.NewRecorder(), request)

	require.Len(t, sink.measurements, 1)
	assert.Equal(t, 10.0, sink.measurements[0].BeginTime)
	assert.Equal(t, 11.0, sink.measurements[0].FinishTime)
}

func TestStampHook(t *testing.T) {
	nested := routing.NewRouter()
	pathRule := nested.Handle("/a/(?P<id>\\d+)", http.NotFoundHandler())
	router := routing.NewRouter()
	hostRule := router.Host("example\\.com", nested)

	request := httptest.NewRequest(http.MethodGet, "/a/1", nil)
	stamped := StampHook(request, pathRule, map[string]string{"id": "1"})
	stamp := StampFrom(stamped.Context())
	require.NotNil(t, stamp)
	assert.Equal(t, "/a/(?P<id>\\d+)", stamp.Name)
	assert.Equal(t, model.TypePathMatch, stamp.Type)
	assert.Equal(t, map[string]string{"id": "1"}, stamp.PathArgs)

	stamp = StampFrom(StampHook(request, hostRule, map[string]string{}).Context())
	assert.Equal(t, "example\\.com", stamp.Name)
	assert.Equal(t, model.TypeHostMatch, stamp.Type)

	assert.Nil(t, StampFrom(request.Context()))
}

func TestStampHook_KeepsEscapedDollar(t *testing.T) {
	router := routing.NewRouter()
	rule := router.Handle(`/price/\$`, http.NotFoundHandler())

	stamp := StampFrom(StampHook(httptest.NewRequest(http.MethodGet, "/price/$", nil), rule, map[string]string{}).Context())
	require.NotNil(t, stamp)
	assert.Equal(t, `/price/\$`, stamp.Name)

	rule = router.Handle(`/total$`, http.NotFoundHandler())
	stamp = StampFrom(StampHook(httptest.NewRequest(http.MethodGet, "/total", nil), rule, map[string]string{}).Context())
	assert.Equal(t, "/total", stamp.Name)
}

func TestBuildContext(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "http://example.com:8888/a/1?x=1&x=2&id=query", nil)
	request.RemoteAddr = "10.0.0.1:5555"
	request.Header.Add("X-Custom", "first")
	request.Header.Add("X-Custom", "second")
	request.Header.Add("Accept", "text/plain")
	request.Header.Add("X-Bad", "bad\xffvalue")
	request.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

	context := BuildContext(request, &Stamp{PathArgs: map[string]string{"id": "1"}}, []byte("body"), false)

	assert.Equal(t, "http://example.com:8888/a/1?x=1&x=2&id=query", context["uri"])
	assert.Equal(t, "HTTP/1.1", context["version"])
	assert.Equal(t, "Ym9keQ==", context["body"])
	assert.Equal(t, "10.0.0.1", context["remote_ip"])
	assert.Equal(t, "http", context["protocol"])
	assert.Equal(t, "example.com:8888", context["host"])
	assert.Equal(t, "/a/1", context["path"])
	assert.Equal(t, map[string][]string{"x": {"1", "2"}, "id": {"query"}}, context["arguments"])
	assert.Equal(t, map[string]string{"session": "abc"}, context["cookies"])
	assert.Equal(t, "1", context["id"])
	assert.Equal(t, [][]string{
		{"Accept", "text/plain"},
		{"Cookie", "session=abc"},
		{"Host", "example.com:8888"},
		{"X-Bad", "bad\uFFFDvalue"},
		{"X-Custom", "first"},
		{"X-Custom", "second"},
	}, context["headers"])
}

func TestBuildContext_XHeaders(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/a", nil)
	request.RemoteAddr = "10.0.0.1:5555"
	request.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	request.Header.Set("X-Forwarded-Proto", "https")

	context := BuildContext(request, nil, nil, true)
	assert.Equal(t, "2.2.2.2", context["remote_ip"])
	assert.Equal(t, "https", context["protocol"])
	assert.Equal(t, "https://example.com/a", context["full_url"])

	request.Header.Set("X-Real-Ip", "3.3.3.3")
	request.Header.Set("X-Scheme", "gopher")
	context = BuildContext(request, nil, nil, true)
	assert.Equal(t, "3.3.3.3", context["remote_ip"])
	assert.Equal(t, "http", context["protocol"])

	context = BuildContext(request, nil, nil, false)
	assert.Equal(t, "10.0.0.1", context["remote_ip"])
	assert.Equal(t, "http", context["protocol"])
}

func TestBodyCapture_KeepsOnlyWhatWasRead(t *testing.T) {
	capture := &bodyCapture{source: io.NopCloser(strings.NewReader("0123456789")), limit: 4}
	buf := make([]byte, 2)
	_, err := capture.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("01"), capture.bytes())

	_, err = io.ReadAll(capture)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), capture.bytes())
}

func TestInstall_UnreadBodyIsNotRecorded(t *testing.T) {
	sink := &recordingSink{}
	router := routing.NewRouter()
	router.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	require.NoError(t, NewInstrumenter(sink.record, Options{MaxBodyBytes: 1024}).Install(router))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("hello")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	require.Len(t, sink.measurements, 1)
	assert.Equal(t, "", sink.measurements[0].Context["body"])
}

// A handler rejecting an upload must answer without waiting for the rest of the body.
func TestInstall_RejectedUploadRespondsBeforeBodyArrives(t *testing.T) {
	sink := &recordingSink{}
	router := routing.NewRouter()
	router.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	require.NoError(t, NewInstrumenter(sink.record, Options{MaxBodyBytes: 1 << 20}).Install(router))
	server := httptest.NewServer(router)
	defer server.Close()

	conn, err := net.Dial("tcp", server.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 10000000\r\n\r\n0123456789")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 413"), status)
}
