package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDispatchDropped(t *testing.T) {
	before := testutil.ToFloat64(dispatchDroppedCounter)
	Get().RecordDispatchDropped()
	Get().RecordDispatchDropped()
	assert.Equal(t, before+2, testutil.ToFloat64(dispatchDroppedCounter))
}

func TestRecordMeasurement(t *testing.T) {
	counter := measurementsRecordedCounter.With(map[string]string{"mode": string(DispatchModeInline)})
	before := testutil.ToFloat64(counter)
	Get().RecordMeasurement(DispatchModeInline, "GET", 0.02)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRecordMeasurement_UnknownMethodsShareOneSeries(t *testing.T) {
	Get().RecordMeasurement(DispatchModeInline, "GET", 0.01)
	before := testutil.CollectAndCount(requestDurationHist)
	for i := 0; i < 100; i++ {
		Get().RecordMeasurement(DispatchModeInline, fmt.Sprintf("X%d", i), 0.01)
	}

	assert.LessOrEqual(t, testutil.CollectAndCount(requestDurationHist), before+1)
	assert.LessOrEqual(t, testutil.CollectAndCount(requestDurationHist), len(knownMethods)+1)
	assert.False(t, requestDurationHist.DeleteLabelValues("X0"))
	assert.Equal(t, "other", methodLabel("X42"))
	assert.Equal(t, "PATCH", methodLabel("PATCH"))
}

func TestSetDispatchQueueDepth(t *testing.T) {
	Get().SetDispatchQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(dispatchQueueDepthGauge))
}

func TestRecordPruned(t *testing.T) {
	before := testutil.ToFloat64(measurementsPrunedCounter)
	Get().RecordPruned(5)
	assert.Equal(t, before+5, testutil.ToFloat64(measurementsPrunedCounter))
}
