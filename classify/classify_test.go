package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubdata/format"
	"hubdata/storage"
)

func drain(t *testing.T, seq func(func(CandidateFile, error) bool)) ([]CandidateFile, error) {
	t.Helper()
	var out []CandidateFile
	for cf, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, cf)
	}
	return out, nil
}

func hub() *storage.MemStorage {
	m := storage.NewMemStorage()
	m.Put("model-output/A/2022-10-22-A.csv", []byte("x\n1\n"))
	m.Put("model-output/B/2022-10-22-B.parquet", []byte("PAR1"))
	m.Put("model-output/C/2022-10-22-C.arrow", []byte("ARROW1"))
	m.Put("model-output/C/README.md", []byte("notes"))
	m.Put("model-output/stray.csv", []byte("x\n"))
	m.Put("hub-config/tasks.json", []byte("{}"))
	return m
}

func TestEnumerate(t *testing.T) {
	m := hub()
	files, err := drain(t, Enumerate(context.Background(), m, "model-output/", []format.Format{format.CSV, format.Parquet}))
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, CandidateFile{Path: "model-output/A/2022-10-22-A.csv", Format: format.CSV, Size: 4, Partition: "A"}, files[0])
	assert.Equal(t, "B", files[1].Partition)
	assert.Equal(t, format.Parquet, files[1].Format)
	assert.Equal(t, "model-output/stray.csv", files[2].Path)
	assert.Equal(t, "", files[2].Partition)
}

func TestEnumerateIsRestartable(t *testing.T) {
	m := hub()
	seq := Enumerate(context.Background(), m, "model-output/", []format.Format{format.IPC})

	first, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, first, 1)

	m.Put("model-output/D/x.feather", []byte("ARROW1"))
	second, err := drain(t, seq)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestEnumerateStopsEarly(t *testing.T) {
	n := 0
	for range Enumerate(context.Background(), hub(), "", []format.Format{format.CSV, format.Parquet, format.IPC}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestEnumerateListingFailure(t *testing.T) {
	m := hub()
	m.FailListing(errors.New("permission denied"))

	_, err := drain(t, Enumerate(context.Background(), m, "model-output/", []format.Format{format.CSV}))
	var enumErr *EnumerationError
	require.ErrorAs(t, err, &enumErr)
	assert.Equal(t, "model-output/", enumErr.Root)
	assert.ErrorContains(t, err, "permission denied")
}

func TestEnumerateMissingLocalRoot(t *testing.T) {
	ls := storage.NewLocalStorage(t.TempDir())
	_, err := drain(t, Enumerate(context.Background(), ls, "missing", []format.Format{format.CSV}))
	var enumErr *EnumerationError
	require.ErrorAs(t, err, &enumErr)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "A", PartitionKey("model-output/", "model-output/A/f.csv"))
	assert.Equal(t, "A", PartitionKey("model-output", "model-output/A/f.csv"))
	assert.Equal(t, "team-model", PartitionKey("", "team-model/f.parquet"))
	assert.Equal(t, "sub", PartitionKey("", "A/sub/f.parquet"))
	assert.Equal(t, "", PartitionKey("model-output/", "model-output/f.csv"))
}

func TestGroupByPartition(t *testing.T) {
	files := []CandidateFile{
		{Path: "C/1.csv", Partition: "C"},
		{Path: "A/1.csv", Partition: "A"},
		{Path: "C/2.csv", Partition: "C"},
	}
	groups := GroupByPartition(files)
	assert.Equal(t, []string{"A", "C"}, groups.Keys())
	require.Len(t, groups["C"], 2)
	assert.Equal(t, "C/1.csv", groups["C"][0].Path)
}
