package storage

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type AzureOptions struct {
	AccountName string
	AccountKey  string
}

// NewAzureClient creates a blob client for the account. Without a key the
// client is anonymous and can only read public containers.
func NewAzureClient(opts AzureOptions) (*azblob.Client, error) {
	if opts.AccountName == "" {
		return nil, fmt.Errorf("azure account name is required")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", opts.AccountName)

	if opts.AccountKey == "" {
		client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure blob client: %w", err)
		}
		return client, nil
	}

	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return client, nil
}

// AzureStorage serves one Azure Blob Storage container.
type AzureStorage struct {
	client    *azblob.Client
	container string
}

func NewAzureStorage(client *azblob.Client, container string) *AzureStorage {
	return &AzureStorage{client: client, container: container}
}

func (a *AzureStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return a.listPages(ctx, prefix, nil)
}

func (a *AzureStorage) listPages(ctx context.Context, prefix string, wait pageWait) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
			Prefix: &prefix,
		})
		for pager.More() {
			if err := wait.before(ctx); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			resp, err := pager.NextPage(ctx)
			if err != nil {
				if bloberror.HasCode(err, bloberror.ContainerNotFound) {
					err = fmt.Errorf("%w: container %s: %w", ErrNotFound, a.container, err)
				}
				yield(ObjectInfo{}, fmt.Errorf("listing blobs: %w", err))
				return
			}
			if resp.Segment == nil {
				continue
			}
			for _, item := range resp.Segment.BlobItems {
				if item == nil || item.Name == nil || strings.HasSuffix(*item.Name, "/") {
					continue
				}
				var size int64
				if item.Properties != nil && item.Properties.ContentLength != nil {
					size = *item.Properties.ContentLength
				}
				if !yield(ObjectInfo{Path: *item.Name, Size: size}, nil) {
					return
				}
			}
		}
	}
}

func (a *AzureStorage) Open(ctx context.Context, name string) (Object, error) {
	blob := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name)
	props, err := blob.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: az://%s/%s", ErrNotFound, a.container, name)
		}
		return nil, fmt.Errorf("getting blob properties: %w", err)
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return &azureObject{ctx: ctx, storage: a, name: name, size: size}, nil
}

type azureObject struct {
	ctx     context.Context
	storage *AzureStorage
	name    string
	size    int64
}

func (o *azureObject) ReadAt(p []byte, off int64) (int, error) {
	return readAtRange(p, off, o.size, func(off, n int64) (io.ReadCloser, error) {
		resp, err := o.storage.client.DownloadStream(o.ctx, o.storage.container, o.name, &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{Offset: off, Count: n},
		})
		if err != nil {
			return nil, fmt.Errorf("downloading range: %w", err)
		}
		return resp.Body, nil
	})
}

func (o *azureObject) Size() int64 { return o.size }

func (o *azureObject) Close() error { return nil }
