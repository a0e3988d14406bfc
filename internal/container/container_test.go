package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		RequestTimeout:     time.Second,
		MaxRequestBodySize: 1 << 20,
		OCRConcurrency:     2,
		OCRTimeout:         time.Second,
		OCRLanguage:        "eng",
		ArtifactBackend:    config.BackendLocal,
		ArtifactDir:        filepath.Join(dir, "artifacts"),
		EvalCacheDB:        filepath.Join(dir, "evals.db"),
	}
}

func TestNewContainer(t *testing.T) {
	cfg := testConfig(t)
	run := config.DefaultRunConfig()
	run.Corpus = filepath.Join(t.TempDir(), "corpus.yaml")

	c, err := NewContainer(context.Background(), cfg, run, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Same(t, cfg, c.Config())
	assert.NotNil(t, c.Service())
	assert.Equal(t, 0, c.Warnings().Total())

	_, err = c.Handler(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "serving without a catalog should ask for build-catalog")
}

func TestNewContainer_RejectsBadRunConfig(t *testing.T) {
	run := config.DefaultRunConfig()
	run.Corpus = "corpus.yaml"
	run.Pipelines = []pipeline.Kind{"gimp"}

	_, err := NewContainer(context.Background(), testConfig(t), run, nil)
	require.Error(t, err)
}
