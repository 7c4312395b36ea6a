package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlob stores objects as block blobs in one container. A block blob only becomes
// visible when its upload commits, so Promote uploads the destination in one call.
type AzureBlob struct {
	client    *azblob.Client
	container string
}

// NewAzureBlob creates a client from a storage connection string.
func NewAzureBlob(connectionString, container string) (*AzureBlob, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return &AzureBlob{client: client, container: container}, nil
}

func (a *AzureBlob) Put(ctx context.Context, key string, data []byte) error {
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, nil); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (a *AzureBlob) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *AzureBlob) Exists(ctx context.Context, key string) (bool, error) {
	blob := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
	if _, err := blob.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get properties of %s: %w", key, err)
	}
	return true, nil
}

func (a *AzureBlob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *AzureBlob) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (a *AzureBlob) Promote(ctx context.Context, src, dst string) error {
	data, err := a.Get(ctx, src)
	if err != nil {
		return err
	}
	if err := a.Put(ctx, dst, data); err != nil {
		return err
	}
	return a.Delete(ctx, src)
}
