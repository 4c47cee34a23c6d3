package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/internal/jobs"
	"marketflow/internal/metrics"
	"marketflow/internal/parser"
	"marketflow/logger"
	"marketflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	exchangeFlag := flag.String("exchange", "", "Comma separated exchanges, or \"all\" for every enabled one")
	job := flag.String("job", jobs.JobKlines, "Job to run: "+strings.Join(jobs.Jobs(), ", "))
	start := flag.String("start", "", "First day, YYYYMMDD (UTC)")
	end := flag.String("end", "", "Last day, YYYYMMDD (UTC), inclusive")
	interval := flag.String("interval", "", "Kline interval, overrides backfill.interval")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics on this address while the job runs")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *interval != "" {
		cfg.Backfill.Interval = *interval
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	exchanges, err := selectExchanges(cfg, *exchangeFlag)
	if err != nil {
		log.WithError(err).Error("Invalid -exchange")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	metrics.Init()
	if *metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, *metricsAddr); err != nil {
				log.WithComponent("main").WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	runID := uuid.NewString()
	sink, err := writer.New(ctx, cfg, runID)
	if err != nil {
		log.WithError(err).Error("Failed to open storage")
		os.Exit(1)
	}

	runner := jobs.NewRunner(cfg, sink, jobs.NewAdapterFactory(cfg, parser.DefaultRegistry()), runID)

	log.WithFields(logger.Fields{
		"service":   cfg.App.Name,
		"version":   cfg.App.Version,
		"run_id":    runner.RunID(),
		"job":       *job,
		"exchanges": exchanges,
		"backends":  cfg.Storage.Backends,
	}).Info("starting marketflow")

	failed := 0
	for _, exchange := range exchanges {
		if ctx.Err() != nil {
			break
		}
		if _, err := runner.Run(ctx, exchange, *job, *start, *end); err != nil {
			failed++
		}
	}

	writer.Report(log, sink)
	if err := sink.Close(); err != nil {
		log.WithError(err).Warn("failed to close storage")
	}

	pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := metrics.Push(pushCtx, cfg.Metrics.Prometheus.PushgatewayURL, cfg.Metrics.Prometheus.Job, runner.RunID()); err != nil {
		log.WithError(err).Warn("failed to push metrics")
	}
	cancel()

	if failed > 0 || ctx.Err() != nil {
		log.WithFields(logger.Fields{"failed": failed}).Error("marketflow finished with errors")
		os.Exit(1)
	}
	log.Info("marketflow finished")
}

// selectExchanges expands the -exchange flag. An empty flag or "all" picks
// every enabled exchange.
func selectExchanges(cfg *config.Config, flagValue string) ([]string, error) {
	var enabled []string
	for _, name := range cfg.Exchanges.Names() {
		if ex, _ := cfg.Exchanges.Get(name); ex.Enabled {
			enabled = append(enabled, name)
		}
	}
	flagValue = strings.TrimSpace(strings.ToLower(flagValue))
	if flagValue == "" || flagValue == "all" {
		return enabled, nil
	}

	var out []string
	for _, name := range strings.Split(flagValue, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !slices.Contains(enabled, name) {
			return nil, fmt.Errorf("exchange %q is unknown or disabled", name)
		}
		out = append(out, name)
	}
	return out, nil
}
