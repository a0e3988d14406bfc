package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

// ArtifactStore persists run artifacts by slash-separated relative name
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// Location describes where name is stored, for log output
	Location(name string) string
}

// cleanName rejects absolute names and names escaping the store root
func cleanName(name string) (string, error) {
	if name == "" {
		return "", apperrors.NewValidationError("artifact name cannot be empty", nil)
	}
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperrors.NewValidationError("artifact name escapes the store root", nil).WithDetails(name)
	}
	return clean, nil
}

type localStore struct {
	root string
}

// NewLocalStore creates a directory-backed store, creating dir if needed
func NewLocalStore(dir string) (ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &localStore{root: dir}, nil
}

func (s *localStore) Location(name string) string {
	clean, err := cleanName(name)
	if err != nil {
		return name
	}
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

// Put writes through a temp file and rename so readers never see partial artifacts
func (s *localStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact %s: %w", clean, err)
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *localStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NewNotFoundError("artifact not found", err).WithDetails(clean)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", clean, err)
	}
	return data, nil
}

// WriteJSON stores v as indented JSON
func WriteJSON(ctx context.Context, store ArtifactStore, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return store.Put(ctx, name, append(data, '\n'))
}

// ReadJSON loads a JSON artifact into v
func ReadJSON(ctx context.Context, store ArtifactStore, name string, v interface{}) error {
	data, err := store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewValidationError("malformed artifact", err).WithDetails(name)
	}
	return nil
}
