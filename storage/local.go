package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

var errStopWalk = errors.New("stop walk")

// LocalStorage serves a directory tree on the local filesystem.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: filepath.Clean(root)}
}

func (l *LocalStorage) Root() string { return l.root }

func (l *LocalStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		base := filepath.Join(l.root, filepath.FromSlash(prefix))
		if _, err := os.Stat(base); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s", ErrNotFound, base)
			}
			yield(ObjectInfo{}, fmt.Errorf("listing %s: %w", base, err))
			return
		}

		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(l.root, p)
			if err != nil {
				return err
			}
			if !yield(ObjectInfo{Path: filepath.ToSlash(rel), Size: info.Size()}, nil) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			yield(ObjectInfo{}, fmt.Errorf("listing %s: %w", base, err))
		}
	}
}

func (l *LocalStorage) Open(ctx context.Context, path string) (Object, error) {
	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("path %q escapes root", path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(l.root, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &localObject{ctx: ctx, file: f, size: stat.Size()}, nil
}

type localObject struct {
	ctx  context.Context
	file *os.File
	size int64
}

func (o *localObject) ReadAt(p []byte, off int64) (int, error) {
	if err := o.ctx.Err(); err != nil {
		return 0, err
	}
	return o.file.ReadAt(p, off)
}

func (o *localObject) Size() int64 { return o.size }

func (o *localObject) Close() error { return o.file.Close() }
