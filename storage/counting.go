package storage

import (
	"context"
	"iter"
	"sync"
)

// CountingStorage wraps a Backend and records how many bytes were read from
// each object. The CLI reports the totals; tests use it to check that query
// pruning skips whole files.
type CountingStorage struct {
	Backend

	mu    sync.Mutex
	bytes map[string]int64
	opens map[string]int
}

func NewCountingStorage(b Backend) *CountingStorage {
	return &CountingStorage{
		Backend: b,
		bytes:   make(map[string]int64),
		opens:   make(map[string]int),
	}
}

func (c *CountingStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return c.Backend.List(ctx, prefix)
}

func (c *CountingStorage) Open(ctx context.Context, path string) (Object, error) {
	obj, err := c.Backend.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.opens[path]++
	c.mu.Unlock()
	return &countingObject{Object: obj, path: path, parent: c}, nil
}

// BytesRead returns the bytes read from path since the last Reset.
func (c *CountingStorage) BytesRead(path string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes[path]
}

// Opens returns how many times path was opened since the last Reset.
func (c *CountingStorage) Opens(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[path]
}

// TotalBytes returns the bytes read from all objects since the last Reset.
func (c *CountingStorage) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, n := range c.bytes {
		total += n
	}
	return total
}

func (c *CountingStorage) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes = make(map[string]int64)
	c.opens = make(map[string]int)
}

func (c *CountingStorage) add(path string, n int) {
	c.mu.Lock()
	c.bytes[path] += int64(n)
	c.mu.Unlock()
}

type countingObject struct {
	Object
	path   string
	parent *CountingStorage
}

func (o *countingObject) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.Object.ReadAt(p, off)
	if n > 0 {
		o.parent.add(o.path, n)
	}
	return n, err
}
