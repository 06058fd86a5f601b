// Package azure implements the Azure Blob Storage checkpoint sink using
// shared key authentication. A container with an immutability policy gives
// anchored checkpoints the write-once property the scheme relies on.
package azure

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/tradeforge/compliance-backend/internal/anchor"
	"github.com/tradeforge/compliance-backend/internal/config"
)

func init() {
	anchor.Register("azure", func(cfg *config.Config) (anchor.Sink, error) {
		return New(&cfg.Anchor.Azure)
	})
}

// AzureSink writes checkpoints to an Azure Blob Storage container.
type AzureSink struct {
	client        *azblob.Client
	containerName string
	accountName   string
}

// New creates an Azure Blob Storage checkpoint sink.
func New(cfg *config.AzureSinkConfig) (*AzureSink, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureSink{
		client:        client,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
	}, nil
}

// Name identifies the sink kind.
func (s *AzureSink) Name() string { return "azure" }

// Put writes the payload as a block blob. The If-None-Match access condition
// rejects the write when a blob already exists at key.
func (s *AzureSink) Put(ctx context.Context, key string, payload []byte) (string, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)

	noneMatchAll := azcore.ETagAny
	_, err := blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(payload)), &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: &noneMatchAll,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload checkpoint to Azure Blob: %w", err)
	}

	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", s.accountName, s.containerName, key), nil
}

// Exists checks whether a checkpoint already exists at key.
func (s *AzureSink) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)

	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		return false, nil
	}
	return true, nil
}
