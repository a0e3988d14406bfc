package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/sirupsen/logrus"
)

const evaluationSchema = `
CREATE TABLE IF NOT EXISTS evaluations (
	genome_id     TEXT    NOT NULL,
	level         TEXT    NOT NULL,
	document_id   TEXT    NOT NULL,
	edit_distance INTEGER NOT NULL CHECK (edit_distance >= 0),
	confidence    REAL    NOT NULL DEFAULT 0,
	penalized     INTEGER NOT NULL DEFAULT 0,
	wer           REAL    NOT NULL DEFAULT 0,
	PRIMARY KEY (genome_id, level, document_id)
)`

// SQLiteEvaluationRepository stores matrix cells in a sqlite file
type SQLiteEvaluationRepository struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLiteEvaluationRepository opens or creates the evaluation store at path
func OpenSQLiteEvaluationRepository(path string) (*SQLiteEvaluationRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open evaluation store: %w", err)
	}
	// one writer connection avoids SQLITE_BUSY under the evaluation pool
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(evaluationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create evaluation schema: %w", err)
	}
	if err := addWERColumn(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{"path": path}).Debug("Evaluation store opened")
	return &SQLiteEvaluationRepository{db: db}, nil
}

// addWERColumn upgrades stores created before word error rates were kept
func addWERColumn(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(evaluations)`)
	if err != nil {
		return fmt.Errorf("inspect evaluation schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect evaluation schema: %w", err)
		}
		if name == "wer" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect evaluation schema: %w", err)
	}
	rows.Close()
	if _, err := db.Exec(`ALTER TABLE evaluations ADD COLUMN wer REAL NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add wer column: %w", err)
	}
	return nil
}

func validKey(key EvaluationKey) error {
	if key.GenomeID == "" || key.Level == "" || key.DocumentID == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidKey, key)
	}
	return nil
}

// Get returns the stored evaluation for key, if any
func (r *SQLiteEvaluationRepository) Get(ctx context.Context, key EvaluationKey) (Evaluation, bool, error) {
	if r.closed.Load() {
		return Evaluation{}, false, ErrRepositoryClosed
	}
	if err := validKey(key); err != nil {
		return Evaluation{}, false, err
	}

	ev := Evaluation{Key: key}
	var penalized int
	err := r.db.QueryRowContext(ctx,
		`SELECT edit_distance, confidence, wer, penalized FROM evaluations
		 WHERE genome_id = ? AND level = ? AND document_id = ?`,
		key.GenomeID, key.Level, key.DocumentID,
	).Scan(&ev.EditDistance, &ev.Confidence, &ev.WER, &penalized)
	if errors.Is(err, sql.ErrNoRows) {
		return Evaluation{}, false, nil
	}
	if err != nil {
		return Evaluation{}, false, fmt.Errorf("query evaluation: %w", err)
	}
	ev.Penalized = penalized != 0
	return ev, true, nil
}

// Put inserts ev unless its key already exists
func (r *SQLiteEvaluationRepository) Put(ctx context.Context, ev Evaluation) error {
	if r.closed.Load() {
		return ErrRepositoryClosed
	}
	if err := validKey(ev.Key); err != nil {
		return err
	}
	if ev.EditDistance < 0 {
		return fmt.Errorf("negative edit distance %d", ev.EditDistance)
	}

	penalized := 0
	if ev.Penalized {
		penalized = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO evaluations (genome_id, level, document_id, edit_distance, confidence, wer, penalized)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(genome_id, level, document_id) DO NOTHING`,
		ev.Key.GenomeID, ev.Key.Level, ev.Key.DocumentID, ev.EditDistance, ev.Confidence, ev.WER, penalized,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// Count returns the number of stored evaluations
func (r *SQLiteEvaluationRepository) Count(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrRepositoryClosed
	}
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evaluations: %w", err)
	}
	return n, nil
}

// Close releases the database handle; subsequent calls are no-ops
func (r *SQLiteEvaluationRepository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.db.Close()
}
