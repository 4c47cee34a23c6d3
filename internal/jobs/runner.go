package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketflow/config"
	"marketflow/internal/backfill"
	"marketflow/internal/metrics"
	"marketflow/internal/scheduler"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
	"marketflow/writer"
)

const (
	JobExchangeInfo = "exchange_info"
	JobTickers      = "tickers"
	JobKlines       = "klines"
	JobDCP          = "dcp"
)

// Jobs lists the job names Run accepts.
func Jobs() []string {
	return []string{JobExchangeInfo, JobTickers, JobKlines, JobDCP}
}

// Summary describes one finished job.
type Summary struct {
	RunID      string
	Exchange   string
	Job        string
	Stored     int
	Skipped    map[string]error
	Incomplete []string
	Errors     *models.ErrorSummary
	Duration   time.Duration
}

// Runner executes jobs against one storage sink. A Runner may run several
// jobs; each gets its own catalog snapshot.
type Runner struct {
	cfg       *config.Config
	sink      writer.Sink
	adapters  AdapterFactory
	scheduler *scheduler.Scheduler
	runID     string
	now       func() time.Time
	log       *logger.Log
}

// NewRunner builds a runner. An empty runID gets a fresh uuid.
func NewRunner(cfg *config.Config, sink writer.Sink, adapters AdapterFactory, runID string) *Runner {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Runner{
		cfg:       cfg,
		sink:      sink,
		adapters:  adapters,
		scheduler: scheduler.New(cfg.Scheduler),
		runID:     runID,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

func (r *Runner) RunID() string { return r.runID }

// Run executes job for exchange. start and end are optional YYYYMMDD dates
// used by the klines and dcp jobs.
func (r *Runner) Run(ctx context.Context, exchange, job, start, end string) (Summary, error) {
	sum := Summary{
		RunID:    r.runID,
		Exchange: exchange,
		Job:      job,
		Skipped:  make(map[string]error),
		Errors:   &models.ErrorSummary{},
	}

	var run func(ctx context.Context, a reader.Adapter, w Window, sum *Summary) error
	switch job {
	case JobExchangeInfo:
		run = r.exchangeInfo
	case JobTickers:
		run = r.tickers
	case JobKlines:
		run = r.klines
	case JobDCP:
		run = r.dcp
	default:
		return sum, fmt.Errorf("job %q: %w", job, models.ErrInvalidRequest)
	}

	w, err := ParseWindow(start, end, r.cfg.Backfill.WindowDays, r.now())
	if err != nil {
		return sum, err
	}

	adapter, err := r.adapters(exchange)
	if err != nil {
		return sum, err
	}
	defer adapter.Close()

	log := r.log.WithComponent("jobs").WithFields(logger.Fields{
		"run_id":   r.runID,
		"exchange": exchange,
		"job":      job,
	})
	log.WithFields(logger.Fields{"start": formatDate(w.Start), "end": formatDate(w.End)}).Info("job started")

	began := time.Now()
	err = run(ctx, adapter, w, &sum)
	sum.Duration = time.Since(began)

	metrics.ObserveJob(exchange, job, sum.Duration)
	metrics.IncrementSkipped(exchange, job, len(sum.Skipped))
	metrics.IncrementRecordErrors(exchange, sum.Errors.ByKind)

	fields := logger.Fields{
		"stored":        sum.Stored,
		"skipped":       len(sum.Skipped),
		"incomplete":    len(sum.Incomplete),
		"record_errors": sum.Errors.Total(),
	}
	if len(sum.Errors.Sample) > 0 {
		fields["error_sample"] = sum.Errors.Sample
	}
	if err != nil {
		log.WithError(err).WithFields(fields).Error("job failed")
		return sum, err
	}
	logger.LogPerformanceEntry(log.WithFields(fields), "jobs", job, sum.Duration, nil)
	return sum, nil
}

func (r *Runner) refresh(ctx context.Context, a reader.Adapter, sum *Summary) (*models.Catalog, error) {
	cat, summary, err := a.GetExchangeInfo(ctx)
	sum.Errors.Merge(summary)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	return cat, nil
}

func (r *Runner) exchangeInfo(ctx context.Context, a reader.Adapter, _ Window, sum *Summary) error {
	cat, err := r.refresh(ctx, a, sum)
	if err != nil {
		return err
	}
	if err := r.sink.UpsertExchangeInfo(ctx, a.Name(), cat.TakenAt(), cat); err != nil {
		return err
	}
	sum.Stored = 1
	return nil
}

func (r *Runner) tickers(ctx context.Context, a reader.Adapter, _ Window, sum *Summary) error {
	if _, err := r.refresh(ctx, a, sum); err != nil {
		return err
	}
	tickers, summary, err := a.GetTickers(ctx)
	sum.Errors.Merge(summary)
	if err != nil {
		return fmt.Errorf("tickers: %w", err)
	}

	out := make([]models.Ticker, 0, len(tickers))
	idle := 0
	for _, t := range tickers {
		// no trades in the last 24h
		if t.BaseVolume == 0 {
			idle++
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })

	r.log.WithComponent("jobs").WithFields(logger.Fields{
		"exchange": a.Name(),
		"polled":   len(tickers),
		"idle":     idle,
	}).Debug("tickers filtered")

	if err := r.sink.UpsertTickers(ctx, a.Name(), out); err != nil {
		return err
	}
	sum.Stored = len(out)
	logger.LogDataFlowEntry(r.log.WithComponent("jobs"), a.Name(), r.sink.Name(), len(out), JobTickers)
	return nil
}

// backfillEach runs one backfill per id through the scheduler and hands each
// finished result to store. Partial results are stored before the id is
// reported as skipped.
func (r *Runner) backfillEach(ctx context.Context, a reader.Adapter, cat *models.Catalog, ids []string, interval string, w Window, sum *Summary, store func(ctx context.Context, res backfill.Result) (int, error)) {
	engine := backfill.NewEngine(a)

	var (
		stored     atomic.Int64
		mu         sync.Mutex
		incomplete []string
	)
	report := r.scheduler.Run(ctx, ids, func(ctx context.Context, id string) error {
		res, err := engine.Run(ctx, cat, backfill.Range(id, interval, w.Start, w.End))
		if err != nil && !errors.Is(err, models.ErrCursorStalled) {
			return err
		}
		n, serr := store(ctx, res)
		stored.Add(int64(n))
		if serr != nil {
			return serr
		}
		if !res.Incomplete {
			return nil
		}
		mu.Lock()
		incomplete = append(incomplete, id)
		mu.Unlock()
		return fmt.Errorf("incomplete after %d pages: %w", res.Pages, res.Err)
	})

	sort.Strings(incomplete)
	sum.Stored += int(stored.Load())
	sum.Incomplete = incomplete
	for id, err := range report.Skipped {
		sum.Skipped[id] = err
	}
}

func (r *Runner) klines(ctx context.Context, a reader.Adapter, w Window, sum *Summary) error {
	cat, err := r.refresh(ctx, a, sum)
	if err != nil {
		return err
	}
	ids := cat.Active()
	r.backfillEach(ctx, a, cat, ids, r.cfg.Backfill.Interval, w, sum, func(ctx context.Context, res backfill.Result) (int, error) {
		if len(res.Klines) == 0 {
			return 0, nil
		}
		if err := r.sink.UpsertKlines(ctx, a.Name(), res.Klines); err != nil {
			return 0, err
		}
		return len(res.Klines), nil
	})
	return ctx.Err()
}
