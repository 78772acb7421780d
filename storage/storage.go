// Package storage gives the dataset builder one read-only view over local
// directories and object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
)

// ErrNotFound is wrapped by backends when a root, bucket or object is missing.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes one listed object. Path is slash separated and
// relative to the backend (a bucket key, or a path under the local root).
type ObjectInfo struct {
	Path string
	Size int64
}

// Object is an opened file supporting random access reads, so columnar
// readers can fetch footers and individual column chunks.
type Object interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Backend lists and opens objects. Implementations must be safe for
// concurrent use.
type Backend interface {
	// List yields every object whose path starts with prefix, recursively.
	// A listing failure is yielded as an error and ends the sequence.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	// Open opens one object. The context bounds every read made through
	// the returned Object.
	Open(ctx context.Context, path string) (Object, error)
}

// Join joins slash separated path elements.
func Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

// rangeFetcher fetches n bytes of an object starting at off.
type rangeFetcher func(off, n int64) (io.ReadCloser, error)

// readAtRange implements io.ReaderAt semantics on top of ranged GETs.
func readAtRange(p []byte, off, size int64, fetch rangeFetcher) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > size {
		want = size - off
	}
	if want == 0 {
		return 0, nil
	}

	body, err := fetch(off, want)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, fmt.Errorf("reading range %d+%d: %w", off, want, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}
