// Package classify enumerates the files under a hub root and groups them by
// the partition key encoded in their location.
package classify

import (
	"context"
	"fmt"
	"iter"
	"path"
	"slices"
	"strings"

	"hubdata/format"
	"hubdata/storage"
)

// CandidateFile is a file that matched one of the accepted formats.
type CandidateFile struct {
	Path      string // backend path, slash separated
	Format    format.Format
	Size      int64
	Partition string // immediate parent directory; "" directly under root
}

// EnumerationError is a listing failure. It is fatal to a build.
type EnumerationError struct {
	Root string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %q: %v", e.Root, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// PartitionKey returns the partition segment of p relative to root.
func PartitionKey(root, p string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return path.Base(dir)
}

// Enumerate lists root and yields every file whose extension matches one of
// formats. The sequence is lazy and restartable: each range over it issues a
// fresh listing. A listing failure is yielded once as an *EnumerationError.
func Enumerate(ctx context.Context, b storage.Backend, root string, formats []format.Format) iter.Seq2[CandidateFile, error] {
	return func(yield func(CandidateFile, error) bool) {
		for info, err := range b.List(ctx, root) {
			if err != nil {
				yield(CandidateFile{}, &EnumerationError{Root: root, Err: err})
				return
			}
			ft, ok := format.Detect(info.Path)
			if !ok || !slices.Contains(formats, ft) {
				continue
			}
			cf := CandidateFile{
				Path:      info.Path,
				Format:    ft,
				Size:      info.Size,
				Partition: PartitionKey(root, info.Path),
			}
			if !yield(cf, nil) {
				return
			}
		}
	}
}

// PartitionGroups maps a partition key to its files.
type PartitionGroups map[string][]CandidateFile

// GroupByPartition groups files by partition key, keeping input order within
// each group.
func GroupByPartition(files []CandidateFile) PartitionGroups {
	groups := make(PartitionGroups)
	for _, f := range files {
		groups[f.Partition] = append(groups[f.Partition], f)
	}
	return groups
}

// Keys returns the partition keys in sorted order.
func (g PartitionGroups) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
