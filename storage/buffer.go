package storage

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
)

// MemStorage is an in-memory object store. It backs tests and lets callers
// serve small generated datasets without touching disk.
type MemStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	listErr error
}

func NewMemStorage() *MemStorage {
	return &MemStorage{objects: make(map[string][]byte)}
}

// Put stores a copy of data under path.
func (m *MemStorage) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = bytes.Clone(data)
}

// Remove deletes path.
func (m *MemStorage) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
}

// FailListing makes every subsequent List call fail with err. Nil restores
// normal listing.
func (m *MemStorage) FailListing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

func (m *MemStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		m.mu.RLock()
		if m.listErr != nil {
			err := m.listErr
			m.mu.RUnlock()
			yield(ObjectInfo{}, fmt.Errorf("listing objects: %w", err))
			return
		}
		infos := make([]ObjectInfo, 0, len(m.objects))
		for p, data := range m.objects {
			if strings.HasPrefix(p, prefix) {
				infos = append(infos, ObjectInfo{Path: p, Size: int64(len(data))})
			}
		}
		m.mu.RUnlock()

		sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *MemStorage) Open(ctx context.Context, path string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return &memObject{ctx: ctx, r: bytes.NewReader(data)}, nil
}

type memObject struct {
	ctx context.Context
	r   *bytes.Reader
}

func (o *memObject) ReadAt(p []byte, off int64) (int, error) {
	if err := o.ctx.Err(); err != nil {
		return 0, err
	}
	return o.r.ReadAt(p, off)
}

func (o *memObject) Size() int64 { return o.r.Size() }

func (o *memObject) Close() error { return nil }
