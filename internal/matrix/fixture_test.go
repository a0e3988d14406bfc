package matrix

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Pages are text standing in for images: the fake OCR engine reads the
// bytes back as text, and the fake filter repairs digit confusions.

const truth = "HELLO WORLD"

var testLevels = []models.DegradationLevel{
	{Label: "D00", Intensity: 0},
	{Label: "D50", Intensity: 0.5},
	{Label: "D100", Intensity: 1},
}

var testPages = map[string][]byte{
	"D00":  []byte("HELLO WORLD"),
	"D50":  []byte("HELLO W0RLD"),
	"D100": []byte("HE11O W0R1D"),
}

const kindRepair pipeline.Kind = "repair"

var repairSchema = pipeline.Schema{
	{Name: "strength", Min: 0, Max: 1, Type: pipeline.ParamFloat, Neutral: 0},
}

// repairPipeline replaces 0 with O above strength 0.3 and 1 with L above 0.6
type repairPipeline struct{}

func (repairPipeline) Kind() pipeline.Kind     { return kindRepair }
func (repairPipeline) Schema() pipeline.Schema { return repairSchema }
func (repairPipeline) Apply(img []byte, params map[string]float64) ([]byte, error) {
	s := string(img)
	if params["strength"] > 0.3 {
		s = strings.ReplaceAll(s, "0", "O")
	}
	if params["strength"] > 0.6 {
		s = strings.ReplaceAll(s, "1", "L")
	}
	return []byte(s), nil
}

type countingEngine struct {
	calls atomic.Int64
	fail  bool
}

func (e *countingEngine) Recognize(ctx context.Context, image []byte, cfg ocr.Config) (ocr.Result, error) {
	e.calls.Add(1)
	if e.fail {
		return ocr.Result{}, errors.New("tesseract crashed")
	}
	return ocr.Result{Text: string(image), Confidence: 90}, nil
}

func (e *countingEngine) Close() error { return nil }

func newTestRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	reg, err := pipeline.NewRegistry(pipeline.Identity(), repairPipeline{})
	require.NoError(t, err)
	return reg
}

func newTestSpectrum(t *testing.T, docs ...string) *Spectrum {
	t.Helper()
	s := NewSpectrum(testLevels)
	for _, d := range docs {
		require.NoError(t, s.AddDocument(d, truth, testPages))
	}
	return s
}

func newTestPool(t *testing.T) *workerpool.WorkerPool {
	t.Helper()
	pool, err := workerpool.NewWorkerPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func repairGenome(t *testing.T, strength float64) pipeline.Genome {
	t.Helper()
	g, err := pipeline.NewGenome(kindRepair, repairSchema, map[string]float64{"strength": strength})
	require.NoError(t, err)
	return g
}

func identityGenome() pipeline.Genome {
	return pipeline.NeutralGenome(pipeline.KindNone, nil)
}
