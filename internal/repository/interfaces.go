package repository

import "context"

// ImageRepository resolves and loads corpus document images
type ImageRepository interface {
	// FetchImage loads the raw bytes of a page
	FetchImage(ctx context.Context, source string) ([]byte, error)

	// ValidateSource checks whether source may be loaded at all
	ValidateSource(source string) error
}

// EvaluationKey identifies one OCR evaluation of the performance matrix
type EvaluationKey struct {
	GenomeID   string
	Level      string
	DocumentID string
}

// Evaluation is a stored matrix cell
type Evaluation struct {
	Key          EvaluationKey
	EditDistance int
	Confidence   float64
	WER          float64
	// Penalized marks a cell recorded after an OCR failure
	Penalized bool
}

// EvaluationRepository persists matrix cells across runs.
// Entries are append-only: Put never overwrites an existing key.
type EvaluationRepository interface {
	Get(ctx context.Context, key EvaluationKey) (Evaluation, bool, error)
	Put(ctx context.Context, ev Evaluation) error
	Count(ctx context.Context) (int, error)
	Close() error
}
