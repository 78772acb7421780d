package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, b Backend, prefix string) ([]ObjectInfo, error) {
	t.Helper()
	var out []ObjectInfo
	for info, err := range b.List(context.Background(), prefix) {
		if err != nil {
			return out, err
		}
		out = append(out, info)
	}
	return out, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalStorageList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "model-output", "A", "a.csv"), "x\n1\n")
	writeFile(t, filepath.Join(root, "model-output", "B", "b.parquet"), "PAR1")
	writeFile(t, filepath.Join(root, "hub-config", "admin.json"), "{}")

	ls := NewLocalStorage(root)
	infos, err := collect(t, ls, "model-output")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "model-output/A/a.csv", infos[0].Path)
	assert.Equal(t, int64(4), infos[0].Size)
	assert.Equal(t, "model-output/B/b.parquet", infos[1].Path)
}

func TestLocalStorageMissingRoot(t *testing.T) {
	ls := NewLocalStorage(filepath.Join(t.TempDir(), "missing"))
	_, err := collect(t, ls, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorageOpen(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A", "f.csv"), "hello world")

	ls := NewLocalStorage(root)
	obj, err := ls.Open(context.Background(), "A/f.csv")
	require.NoError(t, err)
	defer obj.Close()

	assert.Equal(t, int64(11), obj.Size())
	buf := make([]byte, 5)
	n, err := obj.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	_, err = ls.Open(context.Background(), "../etc/passwd")
	assert.Error(t, err)

	_, err = ls.Open(context.Background(), "A/missing.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalObjectHonoursContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.csv"), "abc")

	ctx, cancel := context.WithCancel(context.Background())
	obj, err := NewLocalStorage(root).Open(ctx, "f.csv")
	require.NoError(t, err)
	defer obj.Close()

	cancel()
	_, err = obj.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemStorage(t *testing.T) {
	m := NewMemStorage()
	m.Put("p/B/2.csv", []byte("bb"))
	m.Put("p/A/1.csv", []byte("a"))
	m.Put("q/C/3.csv", []byte("ccc"))

	infos, err := collect(t, m, "p/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "p/A/1.csv", infos[0].Path)
	assert.Equal(t, "p/B/2.csv", infos[1].Path)

	m.FailListing(errors.New("access denied"))
	_, err = collect(t, m, "")
	assert.ErrorContains(t, err, "access denied")
	m.FailListing(nil)

	obj, err := m.Open(context.Background(), "q/C/3.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(3), obj.Size())

	m.Remove("q/C/3.csv")
	_, err = m.Open(context.Background(), "q/C/3.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountingStorage(t *testing.T) {
	m := NewMemStorage()
	m.Put("A/1.csv", []byte("0123456789"))
	m.Put("B/2.csv", []byte("abc"))

	c := NewCountingStorage(m)
	obj, err := c.Open(context.Background(), "A/1.csv")
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = obj.ReadAt(buf, 2)
	require.NoError(t, err)
	_, err = obj.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, int64(6), c.BytesRead("A/1.csv"))
	assert.Equal(t, int64(0), c.BytesRead("B/2.csv"))
	assert.Equal(t, 1, c.Opens("A/1.csv"))
	assert.Equal(t, int64(6), c.TotalBytes())

	c.Reset()
	assert.Equal(t, int64(0), c.TotalBytes())
	assert.Equal(t, 0, c.Opens("A/1.csv"))
}

func TestPacedStorageDisabled(t *testing.T) {
	m := NewMemStorage()
	assert.Same(t, Backend(m), NewPacedStorage(m, 0, 0))

	p := NewPacedStorage(m, 1000, 10)
	m.Put("A/x.csv", []byte("x"))
	infos, err := collect(t, p, "")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	obj, err := p.Open(context.Background(), "A/x.csv")
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = obj.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
}

func TestReadAtRange(t *testing.T) {
	data := []byte("0123456789")
	fetch := func(off, n int64) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data[off : off+n])), nil
	}

	buf := make([]byte, 4)
	n, err := readAtRange(buf, 3, int64(len(data)), fetch)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = readAtRange(buf, 8, int64(len(data)), fetch)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = readAtRange(buf, 10, int64(len(data)), fetch)
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{"/data/hub/model-output", Location{Scheme: "file", Bucket: "/data/hub/model-output"}},
		{"file:///data/hub", Location{Scheme: "file", Bucket: "/data/hub"}},
		{"s3://example-complex-forecast-hub/model-output", Location{Scheme: "s3", Bucket: "example-complex-forecast-hub", Prefix: "model-output/"}},
		{"s3://bucket", Location{Scheme: "s3", Bucket: "bucket"}},
		{"gs://bucket/a/b/", Location{Scheme: "gs", Bucket: "bucket", Prefix: "a/b/"}},
		{"az://container/out", Location{Scheme: "az", Bucket: "container", Prefix: "out/"}},
		{"abfss://hub@acct.dfs.core.windows.net/out", Location{Scheme: "az", Bucket: "hub", Prefix: "out/", Account: "acct"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "ftp://host/x", "s3:///prefix", "abfss://acct.dfs.core.windows.net/x"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocationChild(t *testing.T) {
	loc, err := ParseLocation("s3://bucket/hub")
	require.NoError(t, err)
	assert.Equal(t, "hub/model-output/", loc.Child("model-output").Prefix)

	local, err := ParseLocation("/data/hub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/hub", "model-output"), local.Child("model-output").Bucket)
}

// fakeS3 serves objects from memory through the S3API interface.
type fakeS3 struct {
	objects   map[string][]byte
	pageSize  int
	lists     int
	gets      int
	listErr   error
	lastRange string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	data := f.objects[aws.ToString(in.Key)]
	f.lastRange = aws.ToString(in.Range)
	var start, end int
	if _, err := fmt.Sscanf(f.lastRange, "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func TestS3Storage(t *testing.T) {
	fake := &fakeS3{
		pageSize: 2,
		objects: map[string][]byte{
			"model-output/A/1.csv":     []byte("0123456789"),
			"model-output/B/2.parquet": []byte("PAR1"),
			"model-output/C/3.arrow":   []byte("ARROW1"),
			"model-output/":            nil,
			"hub-config/admin.json":    []byte("{}"),
		},
	}
	s := NewS3Storage(fake, "hub")

	infos, err := collect(t, s, "model-output/")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "model-output/A/1.csv", infos[0].Path)
	assert.Equal(t, "model-output/C/3.arrow", infos[2].Path)

	obj, err := s.Open(context.Background(), "model-output/A/1.csv")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = obj.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf))
	assert.Equal(t, "bytes=7-9", fake.lastRange)

	_, err = s.Open(context.Background(), "model-output/missing.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.listErr = &types.NoSuchBucket{}
	_, err = collect(t, s, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPacedStorageWaitsPerListPage(t *testing.T) {
	objects := map[string][]byte{}
	for i := range 5 {
		objects[fmt.Sprintf("model-output/M%d/x.csv", i)] = []byte("x")
	}

	fake := &fakeS3{pageSize: 2, objects: objects}
	infos, err := collect(t, NewPacedStorage(NewS3Storage(fake, "hub"), 1000, 10), "model-output/")
	require.NoError(t, err)
	assert.Len(t, infos, 5)
	assert.Equal(t, 3, fake.lists)

	// Two tokens cover the first two pages; the third would wait far past
	// the deadline.
	fake = &fakeS3{pageSize: 2, objects: objects}
	paced := NewPacedStorage(NewS3Storage(fake, "hub"), 0.001, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []ObjectInfo
	var listErr error
	for info, err := range paced.List(ctx, "model-output/") {
		if err != nil {
			listErr = err
			break
		}
		got = append(got, info)
	}
	require.Error(t, listErr)
	assert.Len(t, got, 4)
	assert.Equal(t, 2, fake.lists)
}
