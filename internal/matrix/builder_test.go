package matrix

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
)

func TestBuilder_EvaluateScoresEveryCell(t *testing.T) {
	engine := &countingEngine{}
	b := NewBuilder(newTestRegistry(t), engine, ocr.DefaultConfig(), newTestPool(t), NewCache(nil), nil)
	s := newTestSpectrum(t, "doc-a", "doc-b")

	id := identityGenome()
	strong := repairGenome(t, 0.8)
	weak := repairGenome(t, 0.4)

	m, err := b.Evaluate(context.Background(), []pipeline.Genome{id, strong, weak, id}, s)
	require.NoError(t, err)

	assert.Len(t, m.Genomes(), 3, "duplicate genomes are evaluated once")
	assert.Equal(t, int64(18), engine.calls.Load())

	want := map[string][]float64{
		id.ID():     {0, 1, 4},
		strong.ID(): {0, 0, 0},
		weak.ID():   {0, 0, 3},
	}
	for gid, profile := range want {
		for _, doc := range []string{"doc-a", "doc-b"} {
			got, ok := m.Profile(gid, doc)
			require.True(t, ok)
			assert.Equal(t, profile, got)
		}
		assert.True(t, m.Complete(gid))
	}
	assert.Equal(t, 0, m.Penalized())

	// word error rate is kept beside the edit distance
	for level, rate := range map[string]float64{"D00": 0, "D50": 0.5, "D100": 1} {
		cell, ok := m.Cell(id.ID(), level, "doc-a")
		require.True(t, ok)
		assert.InDelta(t, rate, cell.WER, 1e-9, level)
	}
	cell, _ := m.Cell(strong.ID(), "D100", "doc-a")
	assert.Zero(t, cell.WER)
}

type panickingRepair struct{ repairPipeline }

func (panickingRepair) Apply([]byte, map[string]float64) ([]byte, error) {
	panic("filter blew up")
}

func TestBuilder_PanickingPipelineIsPenalized(t *testing.T) {
	reg, err := pipeline.NewRegistry(pipeline.Identity(), panickingRepair{})
	require.NoError(t, err)
	engine := &countingEngine{}
	b := NewBuilder(reg, engine, ocr.DefaultConfig(), newTestPool(t), NewCache(nil), nil)
	s := newTestSpectrum(t, "doc-a", "doc-b")

	g := repairGenome(t, 0.8)
	m, err := b.Evaluate(context.Background(), []pipeline.Genome{g}, s)
	require.NoError(t, err)

	penalty := float64(ocr.Penalty(truth))
	for _, doc := range []string{"doc-a", "doc-b"} {
		profile, ok := m.Profile(g.ID(), doc)
		require.True(t, ok)
		assert.Equal(t, []float64{penalty, penalty, penalty}, profile)
	}
	assert.Equal(t, 6, m.Penalized())
	cell, _ := m.Cell(g.ID(), "D00", "doc-a")
	assert.Equal(t, 1.0, cell.WER)
	assert.Zero(t, engine.calls.Load(), "OCR never sees a page the filter failed on")
}

// stuckEngine ignores ctx and sleeps, tracking the peak number of calls in flight
type stuckEngine struct {
	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (e *stuckEngine) Recognize(context.Context, []byte, ocr.Config) (ocr.Result, error) {
	e.calls.Add(1)
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.delay)
	return ocr.Result{Text: truth}, nil
}

func (e *stuckEngine) Close() error { return nil }

func TestBuilder_TimedOutCallsKeepTheirSlot(t *testing.T) {
	pool, err := workerpool.NewWorkerPool(1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	engine := &stuckEngine{delay: 300 * time.Millisecond}
	cfg := ocr.Config{Language: "eng", Timeout: 10 * time.Millisecond}
	b := NewBuilder(newTestRegistry(t), engine, cfg, pool, NewCache(nil), nil)
	s := newTestSpectrum(t, "doc-a", "doc-b", "doc-c")

	m, err := b.Evaluate(context.Background(), []pipeline.Genome{identityGenome()}, s)
	require.NoError(t, err)
	assert.Equal(t, 9, m.Penalized(), "every timed-out cell is penalized")

	require.Eventually(t, func() bool { return engine.inFlight.Load() == 0 }, 2*time.Second, 20*time.Millisecond)
	assert.LessOrEqual(t, engine.peak.Load(), int64(1))
	assert.GreaterOrEqual(t, engine.calls.Load(), int64(1))
}

func TestBuilder_MonotonicDegradationUnderIdentity(t *testing.T) {
	b := NewBuilder(newTestRegistry(t), &countingEngine{}, ocr.DefaultConfig(), newTestPool(t), nil, nil)
	s := newTestSpectrum(t, "doc-a")

	m, err := b.Evaluate(context.Background(), []pipeline.Genome{identityGenome()}, s)
	require.NoError(t, err)

	profile, ok := m.Profile(identityGenome().ID(), "doc-a")
	require.True(t, ok)
	for i := 1; i < len(profile); i++ {
		assert.GreaterOrEqual(t, profile[i], profile[i-1])
	}
}

func TestBuilder_MemoizesAcrossCalls(t *testing.T) {
	engine := &countingEngine{}
	b := NewBuilder(newTestRegistry(t), engine, ocr.DefaultConfig(), newTestPool(t), NewCache(nil), nil)
	s := newTestSpectrum(t, "doc-a")
	ctx := context.Background()

	_, err := b.Evaluate(ctx, []pipeline.Genome{repairGenome(t, 0.5)}, s)
	require.NoError(t, err)
	require.Equal(t, int64(3), engine.calls.Load())

	// 0.50001 quantizes to the same genome
	_, err = b.Evaluate(ctx, []pipeline.Genome{repairGenome(t, 0.50001)}, s)
	require.NoError(t, err)
	assert.Equal(t, int64(3), engine.calls.Load())
	assert.Equal(t, 3, b.Cache().Len())
}

func TestBuilder_FailingOCRIsPenalized(t *testing.T) {
	collector := observer.NewWarningCollector()
	events := observer.NewEventPublisher()
	events.Subscribe(collector)

	engine := &countingEngine{fail: true}
	b := NewBuilder(newTestRegistry(t), engine, ocr.DefaultConfig(), newTestPool(t), NewCache(nil), events)
	s := newTestSpectrum(t, "doc-a", "doc-b")

	m, err := b.Evaluate(context.Background(), []pipeline.Genome{identityGenome(), repairGenome(t, 1)}, s)
	require.NoError(t, err, "OCR failures never abort the batch")

	for _, g := range m.Genomes() {
		for _, l := range testLevels {
			for _, d := range s.Documents() {
				c, ok := m.Cell(g.ID(), l.Label, d)
				require.True(t, ok)
				assert.Equal(t, len(truth), c.EditDistance)
				assert.True(t, c.Penalized)
			}
		}
	}
	assert.Equal(t, 12, m.Penalized())
	assert.Equal(t, 12, collector.Count(observer.OCRPenalized))
	assert.Equal(t, apperrors.ExitWarnings, collector.ExitCode(nil))
	assert.Equal(t, 12, m.ToDocument().Penalized)
}

func TestBuilder_CancellationIsNotMemoized(t *testing.T) {
	engine := &countingEngine{}
	b := NewBuilder(newTestRegistry(t), engine, ocr.DefaultConfig(), newTestPool(t), NewCache(nil), nil)
	s := newTestSpectrum(t, "doc-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Evaluate(ctx, []pipeline.Genome{identityGenome()}, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Cache().Len())
}

func TestBuilder_StoreWriteThrough(t *testing.T) {
	repo, err := repository.OpenSQLiteEvaluationRepository(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	defer repo.Close()

	s := newTestSpectrum(t, "doc-a")
	genomes := []pipeline.Genome{identityGenome(), repairGenome(t, 0.4)}
	ctx := context.Background()

	first := &countingEngine{}
	b1 := NewBuilder(newTestRegistry(t), first, ocr.DefaultConfig(), newTestPool(t), NewCache(repo), nil)
	m1, err := b1.Evaluate(ctx, genomes, s)
	require.NoError(t, err)
	require.Equal(t, int64(6), first.calls.Load())

	second := &countingEngine{}
	cache := NewCache(repo)
	b2 := NewBuilder(newTestRegistry(t), second, ocr.DefaultConfig(), newTestPool(t), cache, nil)
	m2, err := b2.Evaluate(ctx, genomes, s)
	require.NoError(t, err)

	assert.Equal(t, int64(0), second.calls.Load(), "a fresh cache reuses stored evaluations")
	assert.Equal(t, int64(6), cache.Stats().StoreHits)
	assert.Equal(t, m1.ToDocument(), m2.ToDocument())
}

func TestCache_CoalescesConcurrentComputation(t *testing.T) {
	cache := NewCache(nil)
	key := Key{GenomeID: "g", Level: "D00", DocumentID: "d"}
	var computed atomic.Int64
	gate := make(chan struct{})

	var wg sync.WaitGroup
	var freshCount atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cell, fresh, err := cache.GetOrCompute(context.Background(), key, func(context.Context) (Cell, error) {
				computed.Add(1)
				<-gate
				return Cell{EditDistance: 5}, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 5, cell.EditDistance)
			if fresh {
				freshCount.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), computed.Load())
	assert.Equal(t, int64(1), freshCount.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestMatrix_DocumentRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	b := NewBuilder(reg, &countingEngine{}, ocr.DefaultConfig(), newTestPool(t), nil, nil)
	s := newTestSpectrum(t, "doc-a", "doc-b")

	m, err := b.Evaluate(context.Background(), []pipeline.Genome{identityGenome(), repairGenome(t, 0.4)}, s)
	require.NoError(t, err)

	doc := m.ToDocument()
	back, err := FromDocument(reg, doc, s.Levels(), s.Documents())
	require.NoError(t, err)
	assert.Equal(t, doc, back.ToDocument())

	cache := NewCache(nil)
	back.Seed(cache)
	assert.Equal(t, 12, cache.Len())

	doc.Genomes["not-the-id"] = doc.Genomes[identityGenome().ID()]
	_, err = FromDocument(reg, doc, s.Levels(), s.Documents())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestSpectrum_RejectsMissingLevel(t *testing.T) {
	s := NewSpectrum(testLevels)
	err := s.AddDocument("doc-a", truth, map[string][]byte{"D00": []byte("x")})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidImageInput))

	require.NoError(t, s.AddDocument("doc-b", truth, testPages))
	assert.True(t, apperrors.IsType(s.AddDocument("doc-b", truth, testPages), apperrors.ErrorTypeValidation))
}
