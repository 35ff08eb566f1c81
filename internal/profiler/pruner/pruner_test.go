package pruner

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/profiler/internal/common/task"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

type fakeStore struct {
	before    chan float64
	batchSize int
	deleted   int
	err       error
}

func (f *fakeStore) Prune(ctx context.Context, before float64, batchSize int) (int, error) {
	f.batchSize = batchSize
	select {
	case f.before <- before:
	default:
	}
	return f.deleted, f.err
}

func newFakeStore() *fakeStore {
	return &fakeStore{before: make(chan float64, 1)}
}

var testConfig = configuration.PrunerConfig{
	Enabled:     true,
	ExpireAfter: time.Hour,
	Interval:    time.Minute,
	BatchSize:   50,
}

func TestNew_Validation(t *testing.T) {
	_, err := New(newFakeStore(), nil, configuration.PrunerConfig{Interval: time.Minute})
	assert.Error(t, err)
	_, err = New(newFakeStore(), nil, configuration.PrunerConfig{ExpireAfter: time.Hour})
	assert.Error(t, err)

	p, err := New(newFakeStore(), nil, configuration.PrunerConfig{ExpireAfter: time.Hour, Interval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, defaultBatchSize, p.batchSize)
}

func TestPrune_Cutoff(t *testing.T) {
	store := newFakeStore()
	store.deleted = 3
	p, err := New(store, nil, testConfig)
	require.NoError(t, err)
	p.clock = func() time.Time { return time.Unix(10000, 0) }

	deleted, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 10000.0-3600, <-store.before)
	assert.Equal(t, 50, store.batchSize)
}

func TestPrune_UsesExecutor(t *testing.T) {
	store := newFakeStore()
	calls := 0
	execute := func(ctx context.Context, fn func(ctx context.Context) error) error {
		calls++
		return fn(ctx)
	}
	p, err := New(store, execute, testConfig)
	require.NoError(t, err)

	_, err = p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPrune_Error(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("locked")
	p, err := New(store, nil, testConfig)
	require.NoError(t, err)

	_, err = p.Prune(context.Background())
	assert.EqualError(t, err, "locked")
}

func TestRegister(t *testing.T) {
	store := newFakeStore()
	p, err := New(store, nil, testConfig)
	require.NoError(t, err)

	manager := task.NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	p.Register(context.Background(), manager)

	select {
	case <-store.before:
	case <-time.After(time.Second):
		t.Fatal("pruner did not run")
	}
	assert.False(t, manager.StopAll(time.Second))
}
