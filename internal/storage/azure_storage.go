package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

type azureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates a blob-backed artifact store using a shared key
func NewAzureStore(accountName, accountKey, container string) (ArtifactStore, error) {
	if accountName == "" || accountKey == "" || container == "" {
		return nil, apperrors.NewValidationError("azure artifact store needs account, key and container", nil)
	}
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net/", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &azureStore{client: client, container: container}, nil
}

// EnsureContainer creates the container when it does not exist yet
func (s *azureStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", s.container, err)
	}
	return nil
}

func (s *azureStore) Location(name string) string {
	return fmt.Sprintf("%s%s/%s", s.client.URL(), s.container, name)
}

func (s *azureStore) Put(ctx context.Context, name string, data []byte) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, clean, data, nil); err != nil {
		return fmt.Errorf("upload %s: %w", clean, err)
	}
	return nil
}

func (s *azureStore) Get(ctx context.Context, name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, clean, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, apperrors.NewNotFoundError("artifact not found", err).WithDetails(clean)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", clean, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	return data, nil
}
