// Package ocr defines the OCR engine port and the edit distance scoring
// used as the fitness signal.
package ocr

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/arbovm/levenshtein"
	"github.com/codycollier/wer"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

// Config is passed to the engine on every call
type Config struct {
	Language    string        `json:"language" yaml:"language"`
	PageSegMode int           `json:"page_seg_mode" yaml:"page_seg_mode"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns English, automatic page segmentation, 30s timeout
func DefaultConfig() Config {
	return Config{
		Language:    "eng",
		PageSegMode: 3,
		Timeout:     30 * time.Second,
	}
}

// Result is the recognized text plus the engine's mean confidence (0-100).
// Confidence is reported only; it never enters fitness.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Engine is the OCR capability the tuner consumes
type Engine interface {
	Recognize(ctx context.Context, image []byte, cfg Config) (Result, error)
	Close() error
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, image []byte, cfg Config) (Result, error)

// Recognize calls f
func (f EngineFunc) Recognize(ctx context.Context, image []byte, cfg Config) (Result, error) {
	return f(ctx, image, cfg)
}

// Close is a no-op
func (f EngineFunc) Close() error { return nil }

type boundedEngine struct {
	inner Engine
	slots chan struct{}
}

// Bounded limits engine to n calls in flight. A slot is held until the
// wrapped call returns, including calls their caller already abandoned
// on timeout. Waiting for a slot honours ctx.
func Bounded(engine Engine, n int) Engine {
	if n <= 0 {
		return engine
	}
	return &boundedEngine{inner: engine, slots: make(chan struct{}, n)}
}

func (b *boundedEngine) Recognize(ctx context.Context, image []byte, cfg Config) (Result, error) {
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{}, apperrors.NewOCRInvocationError("ocr slot wait cancelled", ctx.Err())
	}
	defer func() { <-b.slots }()
	return b.inner.Recognize(ctx, image, cfg)
}

func (b *boundedEngine) Close() error { return b.inner.Close() }

// Recognize calls engine under cfg.Timeout and maps every failure to an
// OCR invocation error
func Recognize(ctx context.Context, engine Engine, image []byte, cfg Config) (Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	// Buffered so an abandoned engine call cannot leak the goroutine
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperrors.NewOCRInvocationError("ocr engine panicked", nil)}
			}
		}()
		res, err := engine.Recognize(ctx, image, cfg)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, apperrors.NewOCRInvocationError("ocr timed out", ctx.Err())
		}
		return Result{}, apperrors.NewOCRInvocationError("ocr cancelled", ctx.Err())
	case o := <-done:
		if o.err != nil {
			if apperrors.IsType(o.err, apperrors.ErrorTypeOCRInvocationFailure) {
				return Result{}, o.err
			}
			return Result{}, apperrors.NewOCRInvocationError("ocr engine failed", o.err)
		}
		return o.res, nil
	}
}

// Normalize collapses whitespace runs to single spaces and trims the ends
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EditDistance is the character Levenshtein distance between normalized
// OCR output and ground truth
func EditDistance(ocrText, groundTruth string) int {
	return levenshtein.Distance(Normalize(ocrText), Normalize(groundTruth))
}

// WordErrorRate is the word-level error rate of normalized OCR output
// against ground truth. It is reported alongside edit distance and never
// enters fitness. Empty ground truth scores 0 for empty output, else 1.
func WordErrorRate(ocrText, groundTruth string) float64 {
	reference := strings.Fields(groundTruth)
	candidate := strings.Fields(ocrText)
	if len(reference) == 0 {
		if len(candidate) == 0 {
			return 0
		}
		return 1
	}
	rate, _ := wer.WER(reference, candidate)
	return rate
}

// Penalty is the edit distance recorded when OCR fails: the length of the
// normalized ground truth in characters
func Penalty(groundTruth string) int {
	return utf8.RuneCountInString(Normalize(groundTruth))
}
