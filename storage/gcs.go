package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	CredentialsFile string
	Anonymous       bool
}

// NewGCSClient creates a Google Cloud Storage client. With neither a key file
// nor Anonymous set, application default credentials are used.
func NewGCSClient(ctx context.Context, opts GCSOptions) (*gcs.Client, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.Anonymous:
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, opts.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return client, nil
}

// GCSStorage serves one Google Cloud Storage bucket.
type GCSStorage struct {
	client *gcs.Client
	bucket string
}

func NewGCSStorage(client *gcs.Client, bucket string) *GCSStorage {
	return &GCSStorage{client: client, bucket: bucket}
}

func (g *GCSStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return g.listPages(ctx, prefix, nil)
}

func (g *GCSStorage) listPages(ctx context.Context, prefix string, wait pageWait) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
		fetched := false
		for {
			// An empty buffer means Next fetches the next page.
			if it.PageInfo().Remaining() == 0 && (!fetched || it.PageInfo().Token != "") {
				if err := wait.before(ctx); err != nil {
					yield(ObjectInfo{}, err)
					return
				}
			}
			fetched = true
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				if errors.Is(err, gcs.ErrBucketNotExist) {
					err = fmt.Errorf("%w: bucket %s: %w", ErrNotFound, g.bucket, err)
				}
				yield(ObjectInfo{}, fmt.Errorf("listing objects: %w", err))
				return
			}
			if strings.HasSuffix(attrs.Name, "/") {
				continue
			}
			if !yield(ObjectInfo{Path: attrs.Name, Size: attrs.Size}, nil) {
				return
			}
		}
	}
}

func (g *GCSStorage) Open(ctx context.Context, name string) (Object, error) {
	handle := g.client.Bucket(g.bucket).Object(name)
	attrs, err := handle.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.bucket, name)
		}
		return nil, fmt.Errorf("reading object attrs: %w", err)
	}
	return &gcsObject{ctx: ctx, handle: handle, size: attrs.Size}, nil
}

type gcsObject struct {
	ctx    context.Context
	handle *gcs.ObjectHandle
	size   int64
}

func (o *gcsObject) ReadAt(p []byte, off int64) (int, error) {
	return readAtRange(p, off, o.size, func(off, n int64) (io.ReadCloser, error) {
		r, err := o.handle.NewRangeReader(o.ctx, off, n)
		if err != nil {
			return nil, fmt.Errorf("range read: %w", err)
		}
		return r, nil
	})
}

func (o *gcsObject) Size() int64 { return o.size }

func (o *gcsObject) Close() error { return nil }
