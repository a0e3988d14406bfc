package repository

import (
	"context"
	"fmt"

	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// DocumentImageRepository routes sources to the local or remote fetcher
type DocumentImageRepository struct {
	validator *validation.SourceValidator
	local     storage.ImageFetcher
	remote    storage.ImageFetcher
}

// NewDocumentImageRepository creates an image repository.
// A nil remote fetcher disables http(s) sources.
func NewDocumentImageRepository(validator *validation.SourceValidator, local, remote storage.ImageFetcher) ImageRepository {
	if validator == nil {
		validator = validation.NewSourceValidator()
	}
	return &DocumentImageRepository{
		validator: validator,
		local:     local,
		remote:    remote,
	}
}

// FetchImage validates source and loads it through the matching fetcher
func (r *DocumentImageRepository) FetchImage(ctx context.Context, source string) ([]byte, error) {
	if err := r.ValidateSource(source); err != nil {
		return nil, err
	}
	fetcher := r.local
	if validation.IsRemote(source) {
		fetcher = r.remote
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher for %s", ErrInvalidSource, source)
	}
	return fetcher.Fetch(ctx, source)
}

// ValidateSource applies the source allow-list
func (r *DocumentImageRepository) ValidateSource(source string) error {
	if source == "" {
		return ErrInvalidSource
	}
	return r.validator.ValidateImageSource(source)
}
