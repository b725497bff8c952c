// Package azurestore adapts Azure Blob Storage to the relay: ranged reads of a blob and block
// blob uploads through StageBlock and CommitBlockList.
package azurestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// Properties are the blob attributes the store needs.
type Properties struct {
	Size int64
	ETag string
}

// BlobAPI is one block blob.
type BlobAPI interface {
	Properties(ctx context.Context) (Properties, error)
	DownloadRange(ctx context.Context, offset, count int64, etag string) (io.ReadCloser, error)
	StageBlock(ctx context.Context, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, blockIDs []string) error
	Delete(ctx context.Context) error
	SASURL(expiry time.Duration) (string, error)
}

// ContainerAPI hands out blobs of one container.
type ContainerAPI interface {
	Blob(name string) BlobAPI
}

// Params configures the client. Either ConnectionString or AccountName with AccountKey is required.
type Params struct {
	ConnectionString string
	AccountName      string
	AccountKey       string
	Container        string
}

// NewContainer creates a container client from params.
func NewContainer(params Params) (ContainerAPI, error) {
	if params.Container == "" {
		return nil, fmt.Errorf("container must not be empty")
	}

	switch {
	case params.ConnectionString != "":
		client, err := container.NewClientFromConnectionString(params.ConnectionString, params.Container, nil)
		if err != nil {
			return nil, fmt.Errorf("create container client from connection string: %w", err)
		}
		return &containerClient{client: client}, nil
	case params.AccountName != "" && params.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(params.AccountName, params.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("create shared key credential: %w", err)
		}
		url := fmt.Sprintf("https://%s.blob.core.windows.net/%s", params.AccountName, params.Container)
		client, err := container.NewClientWithSharedKeyCredential(url, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("create container client: %w", err)
		}
		return &containerClient{client: client}, nil
	default:
		return nil, fmt.Errorf("either a connection string or an account name and key is required")
	}
}

type containerClient struct {
	client *container.Client
}

func (c *containerClient) Blob(name string) BlobAPI {
	return &blockBlob{client: c.client.NewBlockBlobClient(name)}
}

type blockBlob struct {
	client *blockblob.Client
}

func (b *blockBlob) Properties(ctx context.Context) (Properties, error) {
	resp, err := b.client.GetProperties(ctx, nil)
	if err != nil {
		return Properties{}, err
	}

	var props Properties
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	return props, nil
}

func (b *blockBlob) DownloadRange(ctx context.Context, offset, count int64, etag string) (io.ReadCloser, error) {
	opts := &blob.DownloadStreamOptions{Range: blob.HTTPRange{Offset: offset, Count: count}}
	if etag != "" {
		match := azcore.ETag(etag)
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &match},
		}
	}

	resp, err := b.client.DownloadStream(ctx, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (b *blockBlob) StageBlock(ctx context.Context, blockID string, data []byte) error {
	_, err := b.client.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return err
}

func (b *blockBlob) CommitBlockList(ctx context.Context, blockIDs []string) error {
	_, err := b.client.CommitBlockList(ctx, blockIDs, nil)
	return err
}

func (b *blockBlob) Delete(ctx context.Context) error {
	_, err := b.client.Delete(ctx, nil)
	return err
}

func (b *blockBlob) SASURL(expiry time.Duration) (string, error) {
	return b.client.BlobClient().GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(expiry), nil)
}

// statusCode returns the HTTP status of a failed call, or 0 if no response was received.
func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) || statusCode(err) == 404
}
