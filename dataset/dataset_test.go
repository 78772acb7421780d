package dataset

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubdata/classify"
	"hubdata/format"
	"hubdata/hubtest"
	"hubdata/reconcile"
	"hubdata/storage"
)

var allFormats = []format.Format{format.CSV, format.Parquet, format.IPC}

func TestBuildScenario(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	m := hubtest.Scenario(t)
	d := New(m, "model-output/", hubtest.ForecastSchema(), allFormats, Options{Workers: 2, Logger: logger})
	assert.Equal(t, Unbuilt, d.State())

	require.NoError(t, d.Build(context.Background()))
	assert.Equal(t, Built, d.State())
	assert.Equal(t, 3, d.Candidates())

	files := d.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "model-output/A/2022-10-22-A.csv", files[0].Path)
	assert.Equal(t, "A", files[0].Partition)
	assert.Equal(t, int64(-1), files[0].NumRows)
	assert.Equal(t, "model-output/C/2022-10-22-C.parquet", files[1].Path)
	assert.Equal(t, "C", files[1].Partition)
	assert.Equal(t, int64(2), files[1].NumRows)

	value := files[1].Columns[len(files[1].Columns)-1]
	assert.Equal(t, "value", value.Field.Name)
	assert.Equal(t, reconcile.CoerceIntToFloat, value.Coercion)

	assert.Equal(t, []Diagnostic{{
		Path:      "model-output/B/2022-10-22-B.csv",
		Partition: "B",
		Kind:      reconcile.KindSchema,
		Reason:    "unexpected column: foo",
	}}, d.Rejections())

	assert.Equal(t, []string{"A", "C"}, d.Partitions())
	assert.Empty(t, d.PartitionFiles("B"))

	src := d.Source()
	union, ok := src.(UnionOfSources)
	require.True(t, ok)
	require.Len(t, union.Children, 2)
	assert.Equal(t, format.CSV, union.Children[0].Format)
	assert.Equal(t, "union of 2 sources: csv (1 files), parquet (1 files)", Describe(src))

	assert.Contains(t, logs.String(), "file rejected")
	assert.Contains(t, logs.String(), "build_id="+d.ID())
	assert.Contains(t, logs.String(), "reason=\"unexpected column: foo\"")

	assert.ErrorIs(t, d.Build(context.Background()), ErrNotUnbuilt)
}

func TestBuildAllRejected(t *testing.T) {
	m := storage.NewMemStorage()
	m.Put("model-output/B/2022-10-22-B.csv", []byte(hubtest.FileB))
	m.Put("model-output/D/broken.parquet", []byte("garbage"))

	d, err := Build(context.Background(), m, "model-output/", hubtest.ForecastSchema(), allFormats, Options{})
	require.NoError(t, err)
	assert.Equal(t, Built, d.State())
	assert.Empty(t, d.Files())
	assert.Empty(t, d.Partitions())
	assert.Len(t, d.Rejections(), 2)
	assert.Equal(t, reconcile.KindUnreadable, d.Rejections()[1].Kind)
	assert.Equal(t, "empty union", Describe(d.Source()))
}

func TestBuildEmptyRoot(t *testing.T) {
	d, err := Build(context.Background(), storage.NewMemStorage(), "model-output/", hubtest.ForecastSchema(), allFormats, Options{})
	require.NoError(t, err)
	assert.Equal(t, Built, d.State())
	assert.Empty(t, d.Files())
}

func TestBuildEnumerationFailure(t *testing.T) {
	m := hubtest.Scenario(t)
	m.FailListing(errors.New("bucket missing"))

	d, err := Build(context.Background(), m, "model-output/", hubtest.ForecastSchema(), allFormats, Options{})
	require.Error(t, err)
	var enumErr *classify.EnumerationError
	assert.ErrorAs(t, err, &enumErr)
	assert.Equal(t, Failed, d.State())
	assert.Empty(t, d.Files())
}

// blockingList never finishes listing until its context ends.
type blockingList struct{ *storage.MemStorage }

func (b blockingList) List(ctx context.Context, _ string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		<-ctx.Done()
		yield(storage.ObjectInfo{}, ctx.Err())
	}
}

func TestBuildListTimeoutIsFatal(t *testing.T) {
	b := blockingList{storage.NewMemStorage()}
	d, err := Build(context.Background(), b, "", hubtest.ForecastSchema(), allFormats, Options{ListTimeout: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, d.State())
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := Build(ctx, hubtest.Scenario(t), "model-output/", hubtest.ForecastSchema(), allFormats, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, d.State())
}

func TestBuildIsDeterministic(t *testing.T) {
	m := hubtest.Scenario(t)
	for i := 0; i < 5; i++ {
		m.Put("model-output/E/extra-"+string(rune('a'+i))+".csv", []byte(hubtest.FileA))
	}
	first, err := Build(context.Background(), m, "model-output/", hubtest.ForecastSchema(), allFormats, Options{Workers: 4})
	require.NoError(t, err)
	second, err := Build(context.Background(), m, "model-output/", hubtest.ForecastSchema(), allFormats, Options{Workers: 1})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, first.Files(), second.Files())
	assert.Equal(t, first.Rejections(), second.Rejections())
}

func TestSingleSourceAndPreview(t *testing.T) {
	files := []File{
		{CandidateFile: classify.CandidateFile{Path: "a", Format: format.CSV}},
		{CandidateFile: classify.CandidateFile{Path: "b", Format: format.CSV}},
	}
	src := NewSource(files)
	single, ok := src.(SingleSource)
	require.True(t, ok)
	assert.Equal(t, format.CSV, single.Format)
	assert.Equal(t, files, SourceFiles(src))
	assert.Equal(t, "csv source with 2 files", Describe(src))

	var many []File
	for _, p := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		many = append(many, File{CandidateFile: classify.CandidateFile{Path: p}})
	}
	assert.Equal(t, []string{"1", "2", "3", "... 2 more", "6", "7", "8"}, Preview(many, 3))
	assert.Equal(t, []string{"a", "b"}, Preview(files, 3))
}
