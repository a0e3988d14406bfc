package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

func TestCreateRegistry(t *testing.T) {
	tests := []struct {
		name    string
		kinds   []pipeline.Kind
		want    []pipeline.Kind
		wantErr bool
	}{
		{"identity only", nil, []pipeline.Kind{pipeline.KindNone}, false},
		{"both pipelines", []pipeline.Kind{pipeline.KindPIL, pipeline.KindOpenCV}, []pipeline.Kind{pipeline.KindNone, pipeline.KindPIL, pipeline.KindOpenCV}, false},
		{"unknown kind", []pipeline.Kind{"gimp"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewPipelineFactory().CreateRegistry(tt.kinds)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			for _, k := range tt.want {
				if _, err := reg.Get(k); err != nil {
					t.Errorf("Expected %s to be registered: %v", k, err)
				}
			}
		})
	}
}

func TestCreateArtifactStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr bool
	}{
		{"local", &config.Config{ArtifactBackend: config.BackendLocal, ArtifactDir: filepath.Join(dir, "out")}, false},
		{"unknown backend", &config.Config{ArtifactBackend: "s3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStorageFactory().CreateArtifactStore(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && store == nil {
				t.Error("Expected a store")
			}
		})
	}
}

func TestCreateEvaluationRepository(t *testing.T) {
	f := NewStorageFactory()

	repo, err := f.CreateEvaluationRepository(&config.Config{})
	if err != nil || repo != nil {
		t.Fatalf("Expected no repository without a path, got %v, %v", repo, err)
	}

	repo, err = f.CreateEvaluationRepository(&config.Config{EvalCacheDB: filepath.Join(t.TempDir(), "evals.db")})
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	defer repo.Close()
	if n, err := repo.Count(context.Background()); err != nil || n != 0 {
		t.Errorf("Expected an empty repository, got %d, %v", n, err)
	}
}

func TestNewComponentFactory_NilOpener(t *testing.T) {
	f := NewComponentFactory(nil)
	if _, err := f.OpenEngine(ocr.DefaultConfig()); err == nil {
		t.Error("Expected the missing engine to fail")
	}
	if f.CreateAnalyzer() == nil {
		t.Error("Expected an analyzer")
	}
}
