package catalog

import (
	"context"
	"fmt"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// ArtifactName is the catalog's name in the artifact store
const ArtifactName = "catalog.json"

// Catalog is the ordered production filter list
type Catalog []models.FilterCatalogEntry

// Entry finds an entry by name
func (c Catalog) Entry(name string) (models.FilterCatalogEntry, bool) {
	for _, e := range c {
		if e.Name == name {
			return e, true
		}
	}
	return models.FilterCatalogEntry{}, false
}

// Validate checks that names are unique, a default entry exists and every
// rule is well formed
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return apperrors.NewValidationError("catalog is empty", nil)
	}
	seen := make(map[string]bool, len(c))
	for _, e := range c {
		if e.Name == "" {
			return apperrors.NewValidationError("catalog entry has no name", nil)
		}
		if seen[e.Name] {
			return apperrors.NewValidationError("duplicate catalog entry", nil).WithDetails(e.Name)
		}
		seen[e.Name] = true
		if issues := validation.ValidateDecisionRules(e.DecisionRules); validation.HasCriticalIssues(issues) {
			return apperrors.NewValidationError("invalid decision rules", nil).
				WithDetails(fmt.Sprintf("%s: %v", e.Name, validation.ConvertIssuesToMessages(issues, validation.SeverityError)))
		}
	}
	if !seen[EntryDefault] {
		return apperrors.NewValidationError("catalog has no default entry", nil)
	}
	return nil
}

// Genome rebuilds the filter parameters of the named entry
func (c Catalog) Genome(reg *pipeline.Registry, name string) (pipeline.Genome, error) {
	e, ok := c.Entry(name)
	if !ok {
		return pipeline.Genome{}, apperrors.NewNotFoundError("catalog entry not found", nil).WithDetails(name)
	}
	return pipeline.FromModel(reg, models.FilterParameterSet{PipelineKind: e.PipelineKind, Params: e.Params})
}

// Save writes the catalog artifact
func Save(ctx context.Context, store storage.ArtifactStore, c Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return storage.WriteJSON(ctx, store, ArtifactName, c)
}

// Load reads and validates the catalog artifact
func Load(ctx context.Context, store storage.ArtifactStore) (Catalog, error) {
	var c Catalog
	if err := storage.ReadJSON(ctx, store, ArtifactName, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
