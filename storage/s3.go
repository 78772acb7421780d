package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Options struct {
	Region    string
	Endpoint  string
	KeyID     string
	Secret    string
	Anonymous bool
	PathStyle bool
}

// NewS3Client builds an S3 client from static options. Without keys the
// client signs nothing, which is what public hub buckets need.
func NewS3Client(opts S3Options) *s3.Client {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	o := s3.Options{
		Region:       region,
		UsePathStyle: opts.PathStyle,
	}
	if opts.Anonymous || opts.KeyID == "" {
		o.Credentials = aws.AnonymousCredentials{}
	} else {
		o.Credentials = credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, "")
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	}
	return s3.New(o)
}

type S3Storage struct {
	client S3API
	bucket string
}

func NewS3Storage(client S3API, bucket string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
	}
}

func (s *S3Storage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return s.listPages(ctx, prefix, nil)
}

func (s *S3Storage) listPages(ctx context.Context, prefix string, wait pageWait) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			if err := wait.before(ctx); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			page, err := paginator.NextPage(ctx)
			if err != nil {
				var nsb *types.NoSuchBucket
				if errors.As(err, &nsb) {
					err = fmt.Errorf("%w: bucket %s: %w", ErrNotFound, s.bucket, err)
				}
				yield(ObjectInfo{}, fmt.Errorf("listing objects: %w", err))
				return
			}

			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if strings.HasSuffix(key, "/") {
					continue
				}
				if !yield(ObjectInfo{Path: key, Size: aws.ToInt64(obj.Size)}, nil) {
					return
				}
			}
		}
	}
}

func (s *S3Storage) Open(ctx context.Context, key string) (Object, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("heading object: %w", err)
	}
	return &s3Object{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

type s3Object struct {
	ctx    context.Context
	client S3API
	bucket string
	key    string
	size   int64
}

func (o *s3Object) ReadAt(p []byte, off int64) (int, error) {
	return readAtRange(p, off, o.size, func(off, n int64) (io.ReadCloser, error) {
		output, err := o.client.GetObject(o.ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)),
		})
		if err != nil {
			return nil, fmt.Errorf("getting object: %w", err)
		}
		return output.Body, nil
	})
}

func (o *s3Object) Size() int64 { return o.size }

func (o *s3Object) Close() error { return nil }
