// Package matrix builds and holds the performance matrix: the edit
// distance of every (genome, degradation level, document) triple.
package matrix

import (
	"fmt"
	"sort"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Matrix is a tabulated set of cells. It is not safe for concurrent
// mutation; builders fill it after each evaluation barrier.
type Matrix struct {
	levels    []models.DegradationLevel
	documents []string
	genomes   map[string]pipeline.Genome
	order     []string
	entries   map[string]map[string]map[string]Cell

	loadedPenalized int
}

// New creates an empty matrix over ordered levels and documents
func New(levels []models.DegradationLevel, documents []string) *Matrix {
	return &Matrix{
		levels:    levels,
		documents: documents,
		genomes:   make(map[string]pipeline.Genome),
		entries:   make(map[string]map[string]map[string]Cell),
	}
}

// Levels returns the ordered levels
func (m *Matrix) Levels() []models.DegradationLevel { return m.levels }

// Documents returns the document ids
func (m *Matrix) Documents() []string { return m.documents }

func (m *Matrix) register(g pipeline.Genome) {
	id := g.ID()
	if _, ok := m.genomes[id]; !ok {
		m.genomes[id] = g
		m.order = append(m.order, id)
		m.entries[id] = make(map[string]map[string]Cell)
	}
}

// Set stores one cell
func (m *Matrix) Set(g pipeline.Genome, level, documentID string, c Cell) {
	m.register(g)
	id := g.ID()
	row := m.entries[id][level]
	if row == nil {
		row = make(map[string]Cell)
		m.entries[id][level] = row
	}
	row[documentID] = c
}

// Cell returns one cell
func (m *Matrix) Cell(genomeID, level, documentID string) (Cell, bool) {
	c, ok := m.entries[genomeID][level][documentID]
	return c, ok
}

// Genome returns the genome with id
func (m *Matrix) Genome(id string) (pipeline.Genome, bool) {
	g, ok := m.genomes[id]
	return g, ok
}

// Genomes returns every genome in insertion order
func (m *Matrix) Genomes() []pipeline.Genome {
	out := make([]pipeline.Genome, len(m.order))
	for i, id := range m.order {
		out[i] = m.genomes[id]
	}
	return out
}

// Complete reports whether genomeID has a cell for every level and document
func (m *Matrix) Complete(genomeID string) bool {
	for _, l := range m.levels {
		for _, d := range m.documents {
			if _, ok := m.entries[genomeID][l.Label][d]; !ok {
				return false
			}
		}
	}
	return true
}

// Penalized counts cells recorded after an OCR or filter failure
func (m *Matrix) Penalized() int {
	n := m.loadedPenalized
	for _, levels := range m.entries {
		for _, docs := range levels {
			for _, c := range docs {
				if c.Penalized {
					n++
				}
			}
		}
	}
	return n
}

// Profile returns the edit distances of doc under genomeID, ordered by level
func (m *Matrix) Profile(genomeID, documentID string) ([]float64, bool) {
	out := make([]float64, len(m.levels))
	for i, l := range m.levels {
		c, ok := m.entries[genomeID][l.Label][documentID]
		if !ok {
			return nil, false
		}
		out[i] = float64(c.EditDistance)
	}
	return out, true
}

// LevelTotals returns the summed edit distance per level label over docs
// (nil docs means every document)
func (m *Matrix) LevelTotals(genomeID string, docs []string) map[string]int {
	if docs == nil {
		docs = m.documents
	}
	out := make(map[string]int, len(m.levels))
	for _, l := range m.levels {
		sum := 0
		for _, d := range docs {
			sum += m.entries[genomeID][l.Label][d].EditDistance
		}
		out[l.Label] = sum
	}
	return out
}

// Merge copies every cell of o into m
func (m *Matrix) Merge(o *Matrix) {
	for _, id := range o.order {
		g := o.genomes[id]
		m.register(g)
		for level, docs := range o.entries[id] {
			for doc, c := range docs {
				m.Set(g, level, doc, c)
			}
		}
	}
	m.loadedPenalized += o.loadedPenalized
}

// Seed copies every cell into cache
func (m *Matrix) Seed(cache *Cache) {
	for id, levels := range m.entries {
		for level, docs := range levels {
			for doc, c := range docs {
				cache.Seed(Key{GenomeID: id, Level: level, DocumentID: doc}, c)
			}
		}
	}
}

// ToDocument converts m to its persisted form
func (m *Matrix) ToDocument() models.MatrixDocument {
	doc := models.MatrixDocument{
		Genomes:   make(map[string]models.FilterParameterSet, len(m.genomes)),
		Entries:   make(map[string]map[string]map[string]int, len(m.entries)),
		Penalized: m.Penalized(),
		WER:       make(map[string]map[string]map[string]float64, len(m.entries)),
	}
	for id, g := range m.genomes {
		doc.Genomes[id] = g.ToModel()
		levels := make(map[string]map[string]int, len(m.entries[id]))
		rates := make(map[string]map[string]float64, len(m.entries[id]))
		for level, docs := range m.entries[id] {
			row := make(map[string]int, len(docs))
			rateRow := make(map[string]float64, len(docs))
			for d, c := range docs {
				row[d] = c.EditDistance
				rateRow[d] = c.WER
			}
			levels[level] = row
			rates[level] = rateRow
		}
		doc.Entries[id] = levels
		doc.WER[id] = rates
	}
	return doc
}

// FromDocument rebuilds a matrix from its persisted form. Genome ids are
// recomputed from their parameters and must match the stored ids.
func FromDocument(reg *pipeline.Registry, doc models.MatrixDocument, levels []models.DegradationLevel, documents []string) (*Matrix, error) {
	m := New(levels, documents)
	ids := make([]string, 0, len(doc.Genomes))
	for id := range doc.Genomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		g, err := pipeline.FromModel(reg, doc.Genomes[id])
		if err != nil {
			return nil, fmt.Errorf("matrix genome %s: %w", id, err)
		}
		if g.ID() != id {
			return nil, apperrors.NewValidationError("matrix genome id does not match its parameters", nil).WithDetails(id)
		}
		m.register(g)
		for level, docs := range doc.Entries[id] {
			for d, dist := range docs {
				if dist < 0 {
					return nil, apperrors.NewValidationError("negative edit distance in matrix", nil).WithDetails(id)
				}
				m.Set(g, level, d, Cell{EditDistance: dist, WER: doc.WER[id][level][d]})
			}
		}
	}
	m.loadedPenalized = doc.Penalized
	return m, nil
}
