package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketflow/config"
	"marketflow/logger"
)

const (
	DefaultBatchSize = 10
	MaxBatchSize     = 20
)

// Task processes one instrument id.
type Task func(ctx context.Context, id string) error

// Report summarises a run. Skipped maps every failed id to its error.
type Report struct {
	Completed int
	Skipped   map[string]error
	Batches   int
}

// Scheduler runs tasks over an id list in fixed-size batches. A batch is
// dispatched concurrently and the next one starts only after every task of
// the current batch returned. A failing task never cancels its siblings.
type Scheduler struct {
	batchSize    int
	batchTimeout time.Duration
	log          *logger.Log
}

func New(cfg config.SchedulerConfig) *Scheduler {
	size := cfg.BatchSize
	switch {
	case size <= 0:
		size = DefaultBatchSize
	case size > MaxBatchSize:
		size = MaxBatchSize
	}
	return &Scheduler{
		batchSize:    size,
		batchTimeout: cfg.BatchTimeout,
		log:          logger.GetLogger(),
	}
}

func (s *Scheduler) BatchSize() int { return s.batchSize }

// Run executes task for every id. When ctx ends, ids not yet started are
// skipped with the context error.
func (s *Scheduler) Run(ctx context.Context, ids []string, task Task) Report {
	report := Report{Skipped: make(map[string]error)}
	log := s.log.WithComponent("scheduler")

	for from := 0; from < len(ids); from += s.batchSize {
		batch := ids[from:min(from+s.batchSize, len(ids))]
		if err := ctx.Err(); err != nil {
			for _, id := range ids[from:] {
				report.Skipped[id] = err
			}
			break
		}

		report.Batches++
		start := time.Now()
		completed, skipped := s.runBatch(ctx, batch, task)
		report.Completed += completed
		for id, err := range skipped {
			report.Skipped[id] = err
		}

		logger.LogPerformanceEntry(log, "scheduler", "batch", time.Since(start), logger.Fields{
			"batch":     report.Batches,
			"size":      len(batch),
			"completed": completed,
			"skipped":   len(skipped),
		})
	}
	return report
}

func (s *Scheduler) runBatch(ctx context.Context, batch []string, task Task) (int, map[string]error) {
	bctx := ctx
	if s.batchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
	}

	var (
		mu        sync.Mutex
		completed int
		skipped   = make(map[string]error)
	)
	var wg sync.WaitGroup
	for _, id := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runTask(bctx, id, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped[id] = err
				s.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{"instrument_id": id}).Warn("task failed, id skipped")
				return
			}
			completed++
		}()
	}
	wg.Wait()
	return completed, skipped
}

// runTask turns a panicking task into an error for its id.
func runTask(ctx context.Context, id string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx, id)
}
