package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubdata/dataset"
	"hubdata/format"
	"hubdata/hubtest"
	"hubdata/storage"
)

func builder(m *storage.MemStorage) BuildFunc {
	return func(ctx context.Context) (*dataset.Dataset, error) {
		return dataset.Build(ctx, m, "model-output/", hubtest.ForecastSchema(),
			[]format.Format{format.CSV, format.Parquet}, dataset.Options{})
	}
}

func TestRefreshPicksUpNewFiles(t *testing.T) {
	m := hubtest.Scenario(t)
	s := New(builder(m), Options{})

	var seen []*dataset.Dataset
	s.Subscribe(func(_ context.Context, d *dataset.Dataset) error {
		seen = append(seen, d)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))
	first := s.Current()
	require.NotNil(t, first)
	assert.Equal(t, []string{"A", "C"}, first.Partitions())

	m.Put("model-output/D/2022-10-22-D.csv", []byte(hubtest.FileA))
	require.NoError(t, s.Refresh(ctx))
	second := s.Current()
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, []string{"A", "C", "D"}, second.Partitions())

	// The earlier dataset is never modified.
	assert.Equal(t, []string{"A", "C"}, first.Partitions())
	assert.Equal(t, []*dataset.Dataset{first, second}, seen)
	assert.Equal(t, 2, s.Runs())
}

func TestFailedRefreshKeepsPrevious(t *testing.T) {
	m := hubtest.Scenario(t)
	s := New(builder(m), Options{})
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))
	good := s.Current()

	m.FailListing(errors.New("bucket gone"))
	err := s.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "bucket gone")
	assert.Same(t, good, s.Current())
	assert.Error(t, s.LastError())

	m.FailListing(nil)
	require.NoError(t, s.Refresh(ctx))
	assert.NoError(t, s.LastError())
	assert.NotSame(t, good, s.Current())
}

func TestSubscriberErrorsAreReturned(t *testing.T) {
	s := New(builder(hubtest.Scenario(t)), Options{})
	s.Subscribe(func(context.Context, *dataset.Dataset) error { return errors.New("load failed") })

	err := s.Refresh(context.Background())
	assert.ErrorContains(t, err, "load failed")
	assert.NotNil(t, s.Current())
}

func TestBuildWithoutDataset(t *testing.T) {
	s := New(func(context.Context) (*dataset.Dataset, error) { return nil, nil }, Options{})
	assert.ErrorContains(t, s.Refresh(context.Background()), "no dataset")
	assert.Nil(t, s.Current())
}

func TestScheduledRefresh(t *testing.T) {
	var builds atomic.Int32
	build := builder(hubtest.Scenario(t))
	s := New(func(ctx context.Context) (*dataset.Dataset, error) {
		builds.Add(1)
		return build(ctx)
	}, Options{Schedule: "@every 1s"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.Current() != nil }, 5*time.Second, 50*time.Millisecond)

	s.Stop()
	n := builds.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, builds.Load())
}

func TestInvalidSchedule(t *testing.T) {
	s := New(builder(storage.NewMemStorage()), Options{Schedule: "every now and then"})
	assert.ErrorContains(t, s.Start(context.Background()), "invalid refresh schedule")
}
