package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/ocr-enhance-tuner/internal/catalog"
	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
	"github.com/anime-shed/ocr-enhance-tuner/internal/report"
	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

const groundTruth = "HELLO WORLD"

// documents maps id to the edit distance the unenhanced page reaches at
// the strongest degradation; invoices are far more sensitive than receipts
var documents = map[string]float64{
	"invoice-1": 11,
	"invoice-2": 11,
	"receipt-1": 2,
	"receipt-2": 2,
}

const trailer = "\nREPAIR:"

// repairPipeline registers under the pil kind and tags the page with its
// strength; the fake engine reads the tag back
type repairPipeline struct{}

func (repairPipeline) Kind() pipeline.Kind { return pipeline.KindPIL }
func (repairPipeline) Schema() pipeline.Schema {
	return pipeline.Schema{{Name: "strength", Min: 0, Max: 1, Type: pipeline.ParamFloat, Neutral: 0}}
}
func (repairPipeline) Apply(img []byte, params map[string]float64) ([]byte, error) {
	out := append([]byte(nil), img...)
	return append(out, fmt.Sprintf("%s%.4f", trailer, params["strength"])...), nil
}

// fakeOCR misreads base*(1-strength) characters, where base grows with the
// page's degradation. Strong repair garbles one character of a clean page.
type fakeOCR struct {
	base map[string]int
}

func (f *fakeOCR) Recognize(_ context.Context, img []byte, _ ocr.Config) (ocr.Result, error) {
	strength := 0.0
	if i := bytes.LastIndex(img, []byte(trailer)); i >= 0 {
		v, err := strconv.ParseFloat(string(img[i+len(trailer):]), 64)
		if err != nil {
			return ocr.Result{}, err
		}
		strength, img = v, img[:i]
	}
	base, ok := f.base[string(img)]
	if !ok {
		return ocr.Result{}, errors.New("unknown page")
	}
	errs := int(math.Round(float64(base) * (1 - strength)))
	if base == 0 && strength > 0.8 {
		errs = 1
	}
	text := []rune(groundTruth)
	for i := 0; i < errs && i < len(text); i++ {
		text[i] = '#'
	}
	return ocr.Result{Text: string(text), Confidence: 90 - float64(10*errs)}, nil
}

func (f *fakeOCR) Close() error { return nil }

type fixture struct {
	dir    string
	store  storage.ArtifactStore
	cfg    config.RunConfig
	reg    *pipeline.Registry
	pool   *workerpool.WorkerPool
	engine ocr.Engine
}

func stripes(period int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 96, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 96; x++ {
			v := uint8(235)
			if (x/period)%2 == 0 && y%16 < 12 {
				v = 20
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	var manifest strings.Builder
	manifest.WriteString("documents:\n")
	period := 3
	for _, id := range []string{"invoice-1", "invoice-2", "receipt-1", "receipt-2"} {
		png, err := raster.EncodePNG(stripes(period))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".png"), png, 0o644))
		fmt.Fprintf(&manifest, "  - id: %s\n    image: %s.png\n    ground_truth: %q\n    group: %s\n",
			id, id, groundTruth, strings.SplitN(id, "-", 2)[0])
		period++
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corpus.yaml"), []byte(manifest.String()), 0o644))

	cfg, err := config.ParseRunConfig([]byte(`
seed: 7
spectrum:
  levels: 3
  noise_std: {start: 0, end: 0}
pipelines: [pil]
optimizer:
  population: 8
  generations: 4
  patience: 0
  objectives:
    - {name: pristine, intensity: "[0,0]"}
    - {name: degraded, intensity: "(0,1]"}
matrix:
  samples: 2
`))
	require.NoError(t, err)
	cfg.Corpus = filepath.Join(dir, "corpus.yaml")

	store, err := storage.NewLocalStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	reg, err := pipeline.NewRegistry(pipeline.Identity(), repairPipeline{})
	require.NoError(t, err)
	pool, err := workerpool.NewWorkerPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &fixture{dir: dir, store: store, cfg: cfg, reg: reg, pool: pool}
}

func (f *fixture) service(t *testing.T) *TunerService {
	t.Helper()
	svc, err := NewTunerService(f.cfg, Dependencies{
		Registry:   f.reg,
		OpenEngine: func() (ocr.Engine, error) { return f.engine, nil },
		OCR:        ocr.DefaultConfig(),
		Pool:       f.pool,
		Store:      f.store,
	})
	require.NoError(t, err)
	return svc
}

// calibrate builds the fake engine from the stored spectrum
func (f *fixture) calibrate(t *testing.T) {
	t.Helper()
	var entries []models.DegradationLevel
	require.NoError(t, storage.ReadJSON(context.Background(), f.store, SpectrumArtifact, &entries))
	engine := &fakeOCR{base: make(map[string]int)}
	for _, e := range entries {
		page, err := f.store.Get(context.Background(), e.Image)
		require.NoError(t, err)
		engine.base[string(page)] = int(math.Round(documents[e.DocumentID] * e.Intensity))
	}
	require.Len(t, engine.base, len(entries), "degraded pages must be distinct")
	f.engine = engine
}

func TestTunerService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	spectrum, err := f.service(t).GenerateSpectrum(ctx)
	require.NoError(t, err)
	assert.Len(t, spectrum.Documents, 4)
	assert.Empty(t, spectrum.Skipped)
	f.calibrate(t)

	svc := f.service(t)
	built, err := svc.BuildMatrix(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, built.Genomes, "baseline, neutral pil and two samples")
	assert.Zero(t, built.Penalized)

	opt, err := svc.Optimize(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, opt.Front)
	assert.Equal(t, []string{"pristine", "degraded"}, opt.Meta.Objectives)
	assert.Equal(t, []float64{0, 40}, opt.Baseline, "invoices 6+11, receipts 1+2")

	clusters, err := svc.Cluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, clusters.K)
	assert.False(t, clusters.Degenerate)

	c, err := svc.BuildCatalog(ctx)
	require.NoError(t, err)
	for _, name := range []string{catalog.EntryDefault, catalog.EntryConservative, catalog.EntryAggressive} {
		_, ok := c.Entry(name)
		assert.True(t, ok, "missing %s entry", name)
	}
	assert.Len(t, c, 5, "named entries plus one per sensitivity cluster")
	assert.Equal(t, 0, svc.Warnings().ExitCode(nil), svc.Warnings().Summary())

	for _, name := range []string{
		SpectrumArtifact, "spectrum.meta.json", MatrixArtifact, "matrix.meta.json",
		ParetoArtifact, "pareto.meta.json", report.ParetoPlotName, ClustersArtifact,
		catalog.ArtifactName, "catalog.meta.json",
	} {
		_, err := f.store.Get(ctx, name)
		assert.NoError(t, err, "artifact %s", name)
	}

	var meta struct {
		RunID     string `json:"run_id"`
		Converged bool   `json:"converged"`
	}
	require.NoError(t, storage.ReadJSON(ctx, f.store, "pareto.meta.json", &meta))
	assert.Equal(t, svc.RunID(), meta.RunID)

	// selection works from metrics and from an encoded page
	sel, err := svc.Select(ctx, models.QualityMetrics{BlurScore: 10, NoiseScore: 1, Contrast: 60})
	require.NoError(t, err)
	assert.Equal(t, catalog.EntryAggressive, sel.Entry.Name)

	page, err := os.ReadFile(filepath.Join(f.dir, "invoice-1.png"))
	require.NoError(t, err)
	metrics, sel, err := svc.SelectImage(ctx, page)
	require.NoError(t, err)
	assert.Positive(t, metrics.BlurScore)
	assert.NotEmpty(t, sel.Entry.Name)
}

// cells reads genomeID's cells from matrix.json
func cells(t *testing.T, store storage.ArtifactStore, genomeID string) map[string]map[string]int {
	t.Helper()
	var doc models.MatrixDocument
	require.NoError(t, storage.ReadJSON(context.Background(), store, MatrixArtifact, &doc))
	row, ok := doc.Entries[genomeID]
	require.True(t, ok, "genome %s not in matrix", genomeID)
	return row
}

func runToCatalog(t *testing.T, f *fixture) (*TunerService, catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	_, err := f.service(t).GenerateSpectrum(ctx)
	require.NoError(t, err)
	f.calibrate(t)

	svc := f.service(t)
	_, err = svc.Optimize(ctx)
	require.NoError(t, err)
	c, err := svc.BuildCatalog(ctx)
	require.NoError(t, err)
	return svc, c
}

func TestTunerService_DefaultDoesNotHarmPristinePages(t *testing.T) {
	f := newFixture(t)
	svc, c := runToCatalog(t, f)

	def, ok := c.Entry(catalog.EntryDefault)
	require.True(t, ok)
	assert.LessOrEqual(t, def.ExpectedPerformance.PristineDelta, 0)

	base := cells(t, f.store, svc.baseline().ID())
	got := cells(t, f.store, def.GenomeID)
	for doc := range documents {
		assert.LessOrEqual(t, got["D00"][doc], base["D00"][doc], doc)
	}
}

func TestTunerService_ConservativeNeverWorseThanBaseline(t *testing.T) {
	f := newFixture(t)
	svc, c := runToCatalog(t, f)

	cons, ok := c.Entry(catalog.EntryConservative)
	require.True(t, ok)

	base := cells(t, f.store, svc.baseline().ID())
	got := cells(t, f.store, cons.GenomeID)
	for level, row := range base {
		for doc, dist := range row {
			assert.LessOrEqual(t, got[level][doc], dist, "%s/%s", level, doc)
		}
	}
}

func TestTunerService_OutOfBoundsGenomeIsRejected(t *testing.T) {
	f := newFixture(t)
	runToCatalog(t, f)
	ctx := context.Background()

	var front []models.ParetoEntry
	require.NoError(t, storage.ReadJSON(ctx, f.store, ParetoArtifact, &front))
	front[0].Params["strength"] = 1.5
	require.NoError(t, storage.WriteJSON(ctx, f.store, ParetoArtifact, front))

	_, err := f.service(t).BuildCatalog(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds), "got %v", err)
	assert.Equal(t, apperrors.ExitFatal, apperrors.ExitCode(err, 0))
}

func TestTunerService_FailingOCRIsPenalizedNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.service(t).GenerateSpectrum(ctx)
	require.NoError(t, err)
	f.engine = ocr.EngineFunc(func(context.Context, []byte, ocr.Config) (ocr.Result, error) {
		return ocr.Result{}, errors.New("tesseract crashed")
	})

	svc := f.service(t)
	res, err := svc.BuildMatrix(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Cells, res.Penalized)
	assert.Equal(t, res.Cells, svc.Warnings().Count(observer.OCRPenalized))
	assert.Equal(t, apperrors.ExitWarnings, svc.Warnings().ExitCode(nil))

	row := cells(t, f.store, svc.baseline().ID())
	for _, docs := range row {
		for doc, dist := range docs {
			assert.Equal(t, ocr.Penalty(groundTruth), dist, doc)
		}
	}
}

func TestTunerService_SkipsUnreadablePages(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "receipt-2.png"), []byte("not an image"), 0o644))

	svc := f.service(t)
	res, err := svc.GenerateSpectrum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"receipt-2"}, res.Skipped)
	assert.Equal(t, 1, svc.Warnings().Count(observer.ItemSkipped))
	assert.Equal(t, apperrors.ExitWarnings, svc.Warnings().ExitCode(nil))
}

func TestTunerService_StageOrderErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.service(t)

	_, err := svc.BuildMatrix(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "got %v", err)

	_, err = svc.GenerateSpectrum(ctx)
	require.NoError(t, err)
	_, err = svc.Cluster(ctx)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "got %v", err)

	_, err = svc.Select(ctx, models.QualityMetrics{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "got %v", err)
}

func TestTunerService_MissingGroundTruthIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.Corpus, []byte("documents:\n  - id: a\n    image: invoice-1.png\n"), 0o644))

	_, err := f.service(t).GenerateSpectrum(context.Background())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "got %v", err)
	assert.Equal(t, apperrors.ExitFatal, apperrors.ExitCode(err, 0))
}

func TestNewTunerService_Rejects(t *testing.T) {
	f := newFixture(t)
	_, err := NewTunerService(f.cfg, Dependencies{Registry: f.reg})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))

	bad := f.cfg
	bad.Optimizer.Population = 1
	_, err = NewTunerService(bad, Dependencies{Registry: f.reg, Store: f.store})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds))
}

func TestMetaName(t *testing.T) {
	assert.Equal(t, "pareto.meta.json", metaName("pareto.json"))
	assert.Equal(t, "pareto.png.meta.json", metaName("pareto.png"))
}
