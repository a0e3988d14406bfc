package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileImageFetcher reads corpus images from the local filesystem.
// Relative paths resolve against baseDir, normally the manifest directory.
type FileImageFetcher struct {
	baseDir string
}

// NewFileImageFetcher creates a fetcher rooted at baseDir
func NewFileImageFetcher(baseDir string) *FileImageFetcher {
	return &FileImageFetcher{baseDir: baseDir}
}

// Fetch reads a plain path or a file:// URL
func (f *FileImageFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.resolve(source)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return data, nil
}

func (f *FileImageFetcher) resolve(source string) string {
	path := source
	if strings.HasPrefix(strings.ToLower(source), "file://") {
		if u, err := url.Parse(source); err == nil {
			path = u.Path
		}
	}
	if !filepath.IsAbs(path) && f.baseDir != "" {
		path = filepath.Join(f.baseDir, path)
	}
	return filepath.Clean(path)
}
