package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string) *SQLiteEvaluationRepository {
	t.Helper()
	repo, err := OpenSQLiteEvaluationRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteEvaluationRepository_PutGet(t *testing.T) {
	repo := openTestStore(t, filepath.Join(t.TempDir(), "eval.db"))
	ctx := context.Background()
	key := EvaluationKey{GenomeID: "g1", Level: "D00", DocumentID: "doc-1"}

	_, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Put(ctx, Evaluation{Key: key, EditDistance: 4, Confidence: 81.5}))

	got, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 4, got.EditDistance)
	assert.InDelta(t, 81.5, got.Confidence, 1e-9)
	assert.False(t, got.Penalized)
}

func TestSQLiteEvaluationRepository_AppendOnly(t *testing.T) {
	repo := openTestStore(t, filepath.Join(t.TempDir(), "eval.db"))
	ctx := context.Background()
	key := EvaluationKey{GenomeID: "g1", Level: "D50", DocumentID: "doc-1"}

	require.NoError(t, repo.Put(ctx, Evaluation{Key: key, EditDistance: 11, Penalized: true}))
	require.NoError(t, repo.Put(ctx, Evaluation{Key: key, EditDistance: 2}))

	got, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 11, got.EditDistance, "first write wins")
	assert.True(t, got.Penalized)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteEvaluationRepository_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.db")
	ctx := context.Background()
	key := EvaluationKey{GenomeID: "g2", Level: "D100", DocumentID: "doc-9"}

	first, err := OpenSQLiteEvaluationRepository(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, Evaluation{Key: key, EditDistance: 7}))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second := openTestStore(t, path)
	got, found, err := second.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, got.EditDistance)
}

func TestSQLiteEvaluationRepository_WordErrorRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.db")
	ctx := context.Background()

	// a store written before the wer column existed
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE evaluations (
		genome_id TEXT NOT NULL, level TEXT NOT NULL, document_id TEXT NOT NULL,
		edit_distance INTEGER NOT NULL, confidence REAL NOT NULL DEFAULT 0,
		penalized INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (genome_id, level, document_id))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO evaluations VALUES ('old', 'D00', 'doc-1', 3, 70, 0)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo := openTestStore(t, path)
	old, found, err := repo.Get(ctx, EvaluationKey{GenomeID: "old", Level: "D00", DocumentID: "doc-1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, old.EditDistance)
	assert.Zero(t, old.WER)

	key := EvaluationKey{GenomeID: "new", Level: "D50", DocumentID: "doc-1"}
	require.NoError(t, repo.Put(ctx, Evaluation{Key: key, EditDistance: 2, WER: 0.5}))
	got, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 0.5, got.WER, 1e-9)

	// reopening an upgraded store leaves the schema alone
	require.NoError(t, repo.Close())
	again := openTestStore(t, path)
	got, _, err = again.Get(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.WER, 1e-9)
}

func TestSQLiteEvaluationRepository_ConcurrentWriters(t *testing.T) {
	repo := openTestStore(t, filepath.Join(t.TempDir(), "eval.db"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for _, level := range []string{"D00", "D50", "D100"} {
				key := EvaluationKey{GenomeID: "g", Level: level, DocumentID: string(rune('a' + i))}
				assert.NoError(t, repo.Put(ctx, Evaluation{Key: key, EditDistance: i}))
			}
		}(i)
	}
	wg.Wait()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, n)
}

func TestSQLiteEvaluationRepository_Rejects(t *testing.T) {
	repo := openTestStore(t, filepath.Join(t.TempDir(), "eval.db"))
	ctx := context.Background()

	err := repo.Put(ctx, Evaluation{Key: EvaluationKey{GenomeID: "g", Level: "D00"}})
	assert.True(t, errors.Is(err, ErrInvalidKey))

	err = repo.Put(ctx, Evaluation{Key: EvaluationKey{GenomeID: "g", Level: "D00", DocumentID: "d"}, EditDistance: -1})
	assert.Error(t, err)

	require.NoError(t, repo.Close())
	_, _, err = repo.Get(ctx, EvaluationKey{GenomeID: "g", Level: "D00", DocumentID: "d"})
	assert.True(t, errors.Is(err, ErrRepositoryClosed))
}
