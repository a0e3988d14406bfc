// Package workerpool bounds concurrent OCR evaluation work.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
)

// Stats is a snapshot of pool counters
type Stats struct {
	Workers       int   `json:"workers"`
	TotalJobs     int64 `json:"total_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	ActiveWorkers int64 `json:"active_workers"`
	PanickedJobs  int64 `json:"panicked_jobs"`
}

// WorkerPool runs submitted jobs on at most Workers goroutines.
// Submit blocks while every worker is busy.
type WorkerPool struct {
	workers   int
	pool      *ants.Pool
	wg        sync.WaitGroup
	once      sync.Once
	total     atomic.Int64
	completed atomic.Int64
	active    atomic.Int64
	panicked  atomic.Int64
}

// NewWorkerPool creates a pool with the given size, defaulting to NumCPU
func NewWorkerPool(workers int) (*WorkerPool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp := &WorkerPool{workers: workers}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		wp.panicked.Add(1)
		logger.WithField("panic", fmt.Sprint(p)).Error("Worker job panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	wp.pool = pool
	return wp, nil
}

// Size returns the configured worker count
func (wp *WorkerPool) Size() int {
	return wp.workers
}

// Submit queues job and reports whether it was accepted.
// A closed pool rejects every job.
func (wp *WorkerPool) Submit(job func()) bool {
	wp.wg.Add(1)
	wp.total.Add(1)
	err := wp.pool.Submit(func() {
		wp.active.Add(1)
		defer func() {
			wp.active.Add(-1)
			wp.completed.Add(1)
			wp.wg.Done()
		}()
		job()
	})
	if err != nil {
		wp.total.Add(-1)
		wp.wg.Done()
		logger.WithError(err).Warn("Worker pool rejected job")
		return false
	}
	return true
}

// Wait blocks until every accepted job has finished
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// NewBatch returns a job group whose Wait only covers its own jobs
func (wp *WorkerPool) NewBatch() *Batch {
	return &Batch{pool: wp}
}

// GetStats returns the current counters
func (wp *WorkerPool) GetStats() Stats {
	return Stats{
		Workers:       wp.workers,
		TotalJobs:     wp.total.Load(),
		CompletedJobs: wp.completed.Load(),
		ActiveWorkers: wp.active.Load(),
		PanickedJobs:  wp.panicked.Load(),
	}
}

// Close waits for running jobs and releases the pool
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		wp.wg.Wait()
		wp.pool.Release()
	})
}

// Batch is a barrier over a subset of pool jobs
type Batch struct {
	pool *WorkerPool
	wg   sync.WaitGroup
}

// Go submits job as part of the batch. Rejected jobs run inline so the
// batch always completes.
func (b *Batch) Go(job func()) {
	b.wg.Add(1)
	wrapped := func() {
		defer b.wg.Done()
		job()
	}
	if !b.pool.Submit(wrapped) {
		wrapped()
	}
}

// Wait blocks until every job of the batch has finished
func (b *Batch) Wait() {
	b.wg.Wait()
}
