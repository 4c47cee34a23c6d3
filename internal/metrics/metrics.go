// Registers:
//
//	#marketflow_requests_total
//	#marketflow_rate_limit_events_total
//	#marketflow_used_weight
//	#marketflow_pages_fetched_total
//	#marketflow_records_stored_total
//	#marketflow_record_errors_total
//	#marketflow_skipped_ids_total
//	#marketflow_job_duration_seconds
//	#go_* and process_* system metrics
//
// Jobs are short lived so the registry is pushed to a Pushgateway at the end
// of a run. Serve exposes the same registry for long running deployments.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	rateLimitEvents *prometheus.CounterVec
	usedWeight      *prometheus.GaugeVec
	pagesFetched    *prometheus.CounterVec
	recordsStored   *prometheus.CounterVec
	recordErrors    *prometheus.CounterVec
	skippedIDs      *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_requests_total",
			Help: "REST requests sent, by exchange and HTTP status",
		}, []string{"exchange", "status"})
		rateLimitEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_rate_limit_events_total",
			Help: "Rate limit and IP ban responses detected",
		}, []string{"exchange", "kind"})
		usedWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_used_weight",
			Help: "Last request weight reported by the exchange",
		}, []string{"exchange"})
		pagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_pages_fetched_total",
			Help: "Kline pages fetched by the backfill engine",
		}, []string{"exchange"})
		recordsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_records_stored_total",
			Help: "Records upserted, by sink and record kind",
		}, []string{"exchange", "sink", "kind"})
		recordErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_record_errors_total",
			Help: "Raw records dropped while parsing, by error kind",
		}, []string{"exchange", "kind"})
		skippedIDs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_skipped_ids_total",
			Help: "Instruments skipped by the batch scheduler",
		}, []string{"exchange", "job"})
		jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketflow_job_duration_seconds",
			Help:    "Job wall time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"exchange", "job"})

		registry.MustRegister(requests, rateLimitEvents, usedWeight, pagesFetched,
			recordsStored, recordErrors, skippedIDs, jobDuration)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Registry returns the registry the collectors live in.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Push sends the registry to a Pushgateway grouped by run id.
func Push(ctx context.Context, url, job, runID string) error {
	if url == "" {
		return nil
	}
	Init()
	p := push.New(url, job).Gatherer(registry)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

func IncrementRequest(exchange string, status int) {
	if requests != nil {
		requests.WithLabelValues(exchange, fmt.Sprint(status)).Inc()
	}
}

func IncrementRateLimit(exchange, kind string) {
	if rateLimitEvents != nil {
		rateLimitEvents.WithLabelValues(exchange, kind).Inc()
	}
}

func SetUsedWeight(exchange string, used int64) {
	if usedWeight != nil {
		usedWeight.WithLabelValues(exchange).Set(float64(used))
	}
}

func IncrementPages(exchange string, n int) {
	if pagesFetched != nil {
		pagesFetched.WithLabelValues(exchange).Add(float64(n))
	}
}

func IncrementStored(exchange, sink, kind string, n int) {
	if recordsStored != nil {
		recordsStored.WithLabelValues(exchange, sink, kind).Add(float64(n))
	}
}

// IncrementRecordErrors adds the per-kind counts of a parse error summary.
func IncrementRecordErrors(exchange string, byKind map[string]int) {
	if recordErrors == nil {
		return
	}
	for kind, n := range byKind {
		recordErrors.WithLabelValues(exchange, kind).Add(float64(n))
	}
}

func IncrementSkipped(exchange, job string, n int) {
	if skippedIDs != nil {
		skippedIDs.WithLabelValues(exchange, job).Add(float64(n))
	}
}

func ObserveJob(exchange, job string, d time.Duration) {
	if jobDuration != nil {
		jobDuration.WithLabelValues(exchange, job).Observe(d.Seconds())
	}
}
