package matrix

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
)

// Key identifies one matrix cell
type Key = repository.EvaluationKey

func keyString(k Key) string {
	return fmt.Sprintf("%s|%s|%s", k.GenomeID, k.Level, k.DocumentID)
}

// Cell is one memoized evaluation
type Cell struct {
	EditDistance int     `json:"edit_distance"`
	Confidence   float64 `json:"confidence"`
	// WER is reported only
	WER       float64 `json:"wer"`
	Penalized bool    `json:"penalized"`
}

// CacheStats counts where cell lookups were served from
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	StoreHits int64 `json:"store_hits"`
	Computed  int64 `json:"computed"`
}

// Cache is the evaluation memo table of one run. It is safe for
// concurrent use; concurrent requests for the same key share a single
// computation. A cell is never recomputed once present.
type Cache struct {
	cells sync.Map // Key -> Cell
	group singleflight.Group
	store repository.EvaluationRepository

	size      atomic.Int64
	hits      atomic.Int64
	storeHits atomic.Int64
	computed  atomic.Int64
}

// NewCache creates an empty cache. A non-nil store is consulted on memory
// misses and receives every newly computed cell.
func NewCache(store repository.EvaluationRepository) *Cache {
	return &Cache{store: store}
}

// Lookup returns the memoized cell for key
func (c *Cache) Lookup(key Key) (Cell, bool) {
	v, ok := c.cells.Load(key)
	if !ok {
		return Cell{}, false
	}
	return v.(Cell), true
}

// Seed inserts a known cell, e.g. from a persisted matrix. Existing cells win.
func (c *Cache) Seed(key Key, cell Cell) {
	if _, loaded := c.cells.LoadOrStore(key, cell); !loaded {
		c.size.Add(1)
	}
}

// Len returns the number of memoized cells
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		StoreHits: c.storeHits.Load(),
		Computed:  c.computed.Load(),
	}
}

type flight struct {
	cell    Cell
	fresh   bool
	claimed atomic.Bool
}

// GetOrCompute returns the cell for key, falling through memory, the
// persistent store and finally compute. fresh is true for exactly one
// caller when the cell entered the memory table during this call.
// Errors from compute are not memoized.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (Cell, error)) (cell Cell, fresh bool, err error) {
	if cell, ok := c.Lookup(key); ok {
		c.hits.Add(1)
		return cell, false, nil
	}

	v, err, _ := c.group.Do(keyString(key), func() (interface{}, error) {
		if cell, ok := c.Lookup(key); ok {
			return &flight{cell: cell}, nil
		}
		if cell, ok := c.loadFromStore(ctx, key); ok {
			c.Seed(key, cell)
			c.storeHits.Add(1)
			return &flight{cell: cell, fresh: true}, nil
		}

		cell, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.computed.Add(1)
		c.Seed(key, cell)
		c.writeThrough(ctx, key, cell)
		return &flight{cell: cell, fresh: true}, nil
	})
	if err != nil {
		return Cell{}, false, err
	}
	f := v.(*flight)
	return f.cell, f.fresh && f.claimed.CompareAndSwap(false, true), nil
}

func (c *Cache) loadFromStore(ctx context.Context, key Key) (Cell, bool) {
	if c.store == nil {
		return Cell{}, false
	}
	ev, found, err := c.store.Get(ctx, key)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"genome_id":   key.GenomeID,
			"level":       key.Level,
			"document_id": key.DocumentID,
		}).Warn("Evaluation store lookup failed")
		return Cell{}, false
	}
	if !found {
		return Cell{}, false
	}
	return Cell{EditDistance: ev.EditDistance, Confidence: ev.Confidence, WER: ev.WER, Penalized: ev.Penalized}, true
}

func (c *Cache) writeThrough(ctx context.Context, key Key, cell Cell) {
	if c.store == nil {
		return
	}
	err := c.store.Put(context.WithoutCancel(ctx), repository.Evaluation{
		Key:          key,
		EditDistance: cell.EditDistance,
		Confidence:   cell.Confidence,
		WER:          cell.WER,
		Penalized:    cell.Penalized,
	})
	if err != nil {
		logger.WithError(err).WithField("genome_id", key.GenomeID).Warn("Evaluation store write failed")
	}
}
