package matrix

import (
	"fmt"
	"sort"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Spectrum holds the degraded pages of every document plus ground truth.
// Levels are shared by all documents and ordered by intensity.
type Spectrum struct {
	levels []models.DegradationLevel
	pages  map[string]map[string][]byte
	truth  map[string]string
}

// NewSpectrum creates an empty spectrum over levels
func NewSpectrum(levels []models.DegradationLevel) *Spectrum {
	sorted := make([]models.DegradationLevel, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Intensity < sorted[j].Intensity })
	for i := range sorted {
		sorted[i].DocumentID = ""
		sorted[i].Image = ""
	}
	return &Spectrum{
		levels: sorted,
		pages:  make(map[string]map[string][]byte),
		truth:  make(map[string]string),
	}
}

// AddDocument registers the pages of one document, keyed by level label.
// Every level must be present.
func (s *Spectrum) AddDocument(documentID, groundTruth string, pages map[string][]byte) error {
	if documentID == "" {
		return apperrors.NewValidationError("document id cannot be empty", nil)
	}
	if _, dup := s.pages[documentID]; dup {
		return apperrors.NewValidationError(fmt.Sprintf("document %q added twice", documentID), nil)
	}
	for _, l := range s.levels {
		if len(pages[l.Label]) == 0 {
			return apperrors.NewInvalidImageInputError("missing degraded page", nil).
				WithDetails(fmt.Sprintf("%s/%s", documentID, l.Label))
		}
	}
	s.pages[documentID] = pages
	s.truth[documentID] = groundTruth
	return nil
}

// Levels returns the ordered levels
func (s *Spectrum) Levels() []models.DegradationLevel {
	out := make([]models.DegradationLevel, len(s.levels))
	copy(out, s.levels)
	return out
}

// Documents returns the document ids in sorted order
func (s *Spectrum) Documents() []string {
	ids := make([]string, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Page returns the degraded image of doc at level
func (s *Spectrum) Page(documentID, label string) ([]byte, bool) {
	p, ok := s.pages[documentID][label]
	return p, ok
}

// GroundTruth returns the reference text of doc
func (s *Spectrum) GroundTruth(documentID string) string {
	return s.truth[documentID]
}
