package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwMu        sync.RWMutex
	cwClient    *cloudwatch.Client
	cwNamespace = "MarketFlow"
	cwDashboard = "MarketFlow"
)

// InitCloudWatch creates the CloudWatch client used by LogMetric. An empty
// region falls back to AWS_REGION. When no AWS configuration can be loaded
// metric publishing stays disabled and only the log line is written.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
	CreateDefaultDashboard(ctx)
}

func cloudWatch() (*cloudwatch.Client, string) {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient, cwNamespace
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace := cloudWatch()
	if client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	// PutMetricData accepts at most 1000 datums per call.
	for start := 0; start < len(data); start += 1000 {
		end := min(start+1000, len(data))
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard puts a dashboard with the job throughput widgets.
// Failures are logged and otherwise ignored.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace := cloudWatch()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","RequestsSent"],
    ["%[1]s","RecordsParsed"],
    ["%[1]s","RecordsStored"],
    ["%[1]s","RecordErrors"]
],
"period": 60,
"stat": "Sum",
"title": "MarketFlow Throughput"
}
}, {
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","HeapMB"],
    ["%[1]s","Goroutines"]
],
"period": 60,
"stat": "Average",
"title": "MarketFlow Runtime"
}
}]
}`, namespace)

	cwMu.RLock()
	name := cwDashboard
	cwMu.RUnlock()
	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
