package storage

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location is a parsed root: a local directory or a bucket plus key prefix.
type Location struct {
	Scheme  string // file, s3, gs or az
	Bucket  string // bucket or container; the directory for file
	Prefix  string // key prefix inside the bucket, "" or ending in "/"
	Account string // Azure storage account, when given in the URI
}

// ParseLocation accepts a plain path, file://path, s3://bucket/prefix,
// gs://bucket/prefix, az://container/prefix and
// abfss://container@account.dfs.core.windows.net/prefix.
func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	if !strings.Contains(uri, "://") {
		return Location{Scheme: "file", Bucket: filepath.Clean(uri)}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("parse location %q: %w", uri, err)
	}

	loc := Location{Scheme: u.Scheme, Bucket: u.Host, Prefix: normalizePrefix(u.Path)}
	switch u.Scheme {
	case "file":
		return Location{Scheme: "file", Bucket: filepath.Clean(filepath.FromSlash(u.Host + u.Path))}, nil
	case "s3", "gs":
	case "az":
	case "abfss":
		// container@account.dfs.core.windows.net
		if u.User == nil {
			return Location{}, fmt.Errorf("abfss location %q missing container@account component", uri)
		}
		loc.Scheme = "az"
		loc.Bucket = u.User.Username()
		loc.Account, _, _ = strings.Cut(u.Host, ".")
	default:
		return Location{}, fmt.Errorf("unsupported location scheme %q in %q", u.Scheme, uri)
	}
	if loc.Bucket == "" {
		return Location{}, fmt.Errorf("empty bucket in location %q", uri)
	}
	return loc, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// IsRemote reports whether the location is an object store.
func (l Location) IsRemote() bool { return l.Scheme != "file" }

func (l Location) String() string {
	if l.Scheme == "file" {
		return l.Bucket
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Prefix)
}

// Child returns the location of a sub-prefix.
func (l Location) Child(rel string) Location {
	if l.Scheme == "file" {
		l.Bucket = filepath.Join(l.Bucket, filepath.FromSlash(rel))
		return l
	}
	l.Prefix = normalizePrefix(Join(l.Prefix, rel))
	return l
}

// Options carries credentials and request pacing for Open.
type Options struct {
	S3                S3Options
	GCS               GCSOptions
	Azure             AzureOptions
	RequestsPerSecond float64
	Burst             int
}

// Open returns a backend for loc. Paths passed to the backend are relative to
// the directory for local locations and bucket keys otherwise, so callers
// list loc.Prefix.
func Open(ctx context.Context, loc Location, opts Options) (Backend, error) {
	var b Backend
	switch loc.Scheme {
	case "file":
		return NewLocalStorage(loc.Bucket), nil
	case "s3":
		b = NewS3Storage(NewS3Client(opts.S3), loc.Bucket)
	case "gs":
		client, err := NewGCSClient(ctx, opts.GCS)
		if err != nil {
			return nil, err
		}
		b = NewGCSStorage(client, loc.Bucket)
	case "az":
		azOpts := opts.Azure
		if loc.Account != "" {
			azOpts.AccountName = loc.Account
		}
		client, err := NewAzureClient(azOpts)
		if err != nil {
			return nil, err
		}
		b = NewAzureStorage(client, loc.Bucket)
	default:
		return nil, fmt.Errorf("unsupported location scheme %q", loc.Scheme)
	}
	return NewPacedStorage(b, opts.RequestsPerSecond, opts.Burst), nil
}
