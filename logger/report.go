package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	records int64
	bytes   int64
}

var (
	requestsSent  int64
	recordsParsed int64
	recordsStored int64
	recordErrors  int64
	warnsTotal    int64
	errorsTotal   int64
	flows         sync.Map // map[string]*flowStat
)

func recordWarn(string) { atomic.AddInt64(&warnsTotal, 1) }

func recordError(string) { atomic.AddInt64(&errorsTotal, 1) }

// IncrementRequest counts one exchange REST call.
func IncrementRequest(exchange string, size int) {
	atomic.AddInt64(&requestsSent, 1)
	recordFlow("rest_"+exchange, 1, size)
}

// IncrementParsed counts records that parsed successfully for one data kind.
func IncrementParsed(kind string, n int) {
	atomic.AddInt64(&recordsParsed, int64(n))
	recordFlow("parsed_"+kind, n, 0)
}

// IncrementRecordErrors counts records dropped by the parser.
func IncrementRecordErrors(n int) {
	atomic.AddInt64(&recordErrors, int64(n))
}

// IncrementStored counts records handed to a sink.
func IncrementStored(sink string, n int, size int) {
	atomic.AddInt64(&recordsStored, int64(n))
	recordFlow("store_"+sink, n, size)
}

func recordFlow(name string, n, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.records, int64(n))
	atomic.AddInt64(&fs.bytes, int64(size))
}

// Snapshot returns the current counters, keyed as they appear in the report.
func Snapshot() Fields {
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		fs := v.(*flowStat)
		flowData[k.(string)] = map[string]int64{
			"records": atomic.LoadInt64(&fs.records),
			"bytes":   atomic.LoadInt64(&fs.bytes),
		}
		return true
	})
	return Fields{
		"requests_sent":  atomic.LoadInt64(&requestsSent),
		"records_parsed": atomic.LoadInt64(&recordsParsed),
		"records_stored": atomic.LoadInt64(&recordsStored),
		"record_errors":  atomic.LoadInt64(&recordErrors),
		"warns":          atomic.LoadInt64(&warnsTotal),
		"errors":         atomic.LoadInt64(&errorsTotal),
		"flows":          flowData,
	}
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	fields := Snapshot()
	fields["goroutines"] = runtime.NumGoroutine()
	fields["heap_mb"] = int64(ms.HeapAlloc) / 1024 / 1024
	fields["gc_cycles"] = ms.NumGC
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	counter := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields[key].(int64)))}
	}
	data := []cwtypes.MetricDatum{
		counter("RequestsSent", "requests_sent"),
		counter("RecordsParsed", "records_parsed"),
		counter("RecordsStored", "records_stored"),
		counter("RecordErrors", "record_errors"),
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(ms.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	flowData := fields["flows"].(map[string]map[string]int64)
	names := make([]string, 0, len(flowData))
	for name := range flowData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("FlowRecords"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(flowData[name]["records"])),
		})
	}

	publishMetrics(ctx, data)
}
