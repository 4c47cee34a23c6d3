package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "marketflow/config"
	"marketflow/internal/metadata"
	"marketflow/logger"
	"marketflow/models"
)

type tickerRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string  `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Last         float64 `parquet:"name=last, type=DOUBLE"`
	BaseVolume   float64 `parquet:"name=base_volume, type=DOUBLE"`
	QuoteVolume  float64 `parquet:"name=quote_volume, type=DOUBLE"`
	OpenTime     int64   `parquet:"name=open_time, type=INT64"`
	CloseTime    int64   `parquet:"name=close_time, type=INT64"`
}

type klineRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string  `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interval     string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime     int64   `parquet:"name=open_time, type=INT64"`
	CloseTime    int64   `parquet:"name=close_time, type=INT64"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Close        float64 `parquet:"name=close, type=DOUBLE"`
	BaseVolume   float64 `parquet:"name=base_volume, type=DOUBLE"`
	QuoteVolume  float64 `parquet:"name=quote_volume, type=DOUBLE"`
}

type dailyPriceRecord struct {
	Exchange string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date     string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price    float64 `parquet:"name=price, type=DOUBLE"`
	Sources  int32   `parquet:"name=sources, type=INT32"`
}

// parquetBuffer is an in-memory source.ParquetFile for the writer side.
type parquetBuffer struct {
	buf *bytes.Buffer
}

func newParquetBuffer() *parquetBuffer { return &parquetBuffer{buf: &bytes.Buffer{}} }

func (b *parquetBuffer) Create(string) (source.ParquetFile, error) { return b, nil }
func (b *parquetBuffer) Open(string) (source.ParquetFile, error)   { return b, nil }
func (b *parquetBuffer) Seek(int64, int) (int64, error)            { return int64(b.buf.Len()), nil }
func (b *parquetBuffer) Read(p []byte) (int, error)                { return b.buf.Read(p) }
func (b *parquetBuffer) Write(p []byte) (int, error)               { return b.buf.Write(p) }
func (b *parquetBuffer) Close() error                              { return nil }
func (b *parquetBuffer) Bytes() []byte                             { return b.buf.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink uploads every batch as one object. Object keys are derived
// from the batch content, so writing the same batch again replaces the
// same object:
//
//	<prefix>/klines/exchange=<ex>/interval=<iv>/<id>/<first>_<last>.parquet
//	<prefix>/tickers/exchange=<ex>/date=<yyyymmdd>/<first>_<last>.parquet
//	<prefix>/exchange_info/exchange=<ex>/<taken_at>.json
//	<prefix>/dcp/exchange=<ex>/<first>_<last>.parquet
//
// Close writes one manifest per table listing the run's parquet objects to
// <prefix>/<table>/metadata/manifest-<run id>.json.
type ArchiveSink struct {
	counters
	client      objectPutter
	bucket      string
	prefix      string
	compression string
	parallelism int64
	version     string
	runID       string
	meta        *metadata.Generator
	log         *logger.Log
}

var archiveTables = map[string]string{
	kindTicker:     "tickers",
	kindKline:      "klines",
	kindDailyPrice: "dcp",
}

func NewArchiveSink(ctx context.Context, cfg *appconfig.Config, runID string) (*ArchiveSink, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.S3.AccessKeyID, cfg.Storage.S3.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archive_sink").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive sink initialized")

	return newArchiveSink(client, cfg, runID), nil
}

func newArchiveSink(client objectPutter, cfg *appconfig.Config, runID string) *ArchiveSink {
	parallelism := cfg.Storage.Parquet.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	prefix := strings.Trim(cfg.Storage.S3.Prefix, "/")
	location := "s3://" + cfg.Storage.S3.Bucket
	if prefix != "" {
		location += "/" + prefix
	}
	return &ArchiveSink{
		client:      client,
		bucket:      cfg.Storage.S3.Bucket,
		prefix:      prefix,
		compression: cfg.Storage.Parquet.Compression,
		parallelism: parallelism,
		version:     cfg.App.Version,
		runID:       runID,
		meta:        metadata.NewGenerator(location, runID, time.Now()),
		log:         logger.GetLogger(),
	}
}

func (s *ArchiveSink) Name() string { return "s3" }

// objectSegment makes an instrument id usable as a single key segment.
func objectSegment(id string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(id)
}

func (s *ArchiveSink) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *ArchiveSink) encode(rows []interface{}, schema interface{}) ([]byte, error) {
	fw := newParquetBuffer()
	pw, err := pqwriter.NewParquetWriter(fw, schema, s.parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	switch s.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (s *ArchiveSink) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"compression":        s.compression,
			"marketflow-version": s.version,
			"run-id":             s.runID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *ArchiveSink) upload(ctx context.Context, exchange, kind, key string, partition map[string]string, n int, rows []interface{}, schema interface{}) error {
	start := time.Now()
	data, err := s.encode(rows, schema)
	if err == nil {
		err = s.put(ctx, key, "application/octet-stream", data)
	}
	if err == nil {
		partition["exchange"] = exchange
		s.meta.AddFile(archiveTables[kind], metadata.DataFile{
			Path:        fmt.Sprintf("s3://%s/%s", s.bucket, key),
			FileSize:    int64(len(data)),
			RecordCount: int64(n),
			Partition:   partition,
		})
	}
	s.logWrite(exchange, kind, key, n, len(data), start, err)
	return s.record(s.Name(), exchange, kind, n, len(data), err)
}

func (s *ArchiveSink) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(tickers))
	first, last := tickers[0].Timestamp, tickers[0].Timestamp
	for _, t := range tickers {
		rows = append(rows, tickerRecord{
			Exchange:     exchange,
			InstrumentID: t.InstrumentID,
			Timestamp:    t.Timestamp,
			Open:         t.Open,
			High:         t.High,
			Low:          t.Low,
			Last:         t.Last,
			BaseVolume:   t.BaseVolume,
			QuoteVolume:  t.QuoteVolume,
			OpenTime:     t.OpenTime,
			CloseTime:    t.CloseTime,
		})
		first = min(first, t.Timestamp)
		last = max(last, t.Timestamp)
	}
	date := time.UnixMilli(last).UTC().Format("20060102")
	key := s.key("tickers", "exchange="+exchange, "date="+date, fmt.Sprintf("%d_%d.parquet", first, last))
	return s.upload(ctx, exchange, kindTicker, key, map[string]string{"date": date}, len(tickers), rows, new(tickerRecord))
}

func (s *ArchiveSink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	// Group by instrument so each object holds one series.
	groups := make(map[string][]models.Kline)
	var order []string
	for _, k := range klines {
		if _, ok := groups[k.InstrumentID]; !ok {
			order = append(order, k.InstrumentID)
		}
		groups[k.InstrumentID] = append(groups[k.InstrumentID], k)
	}

	var firstErr error
	for _, id := range order {
		series := groups[id]
		rows := make([]interface{}, 0, len(series))
		first, last := series[0].OpenTime, series[0].OpenTime
		for _, k := range series {
			rows = append(rows, klineRecord{
				Exchange:     exchange,
				InstrumentID: k.InstrumentID,
				Interval:     k.Interval,
				OpenTime:     k.OpenTime,
				CloseTime:    k.CloseTime,
				Open:         k.Open,
				High:         k.High,
				Low:          k.Low,
				Close:        k.Close,
				BaseVolume:   k.BaseVolume,
				QuoteVolume:  k.QuoteVolume,
			})
			first = min(first, k.OpenTime)
			last = max(last, k.OpenTime)
		}
		key := s.key("klines", "exchange="+exchange, "interval="+series[0].Interval, objectSegment(id), fmt.Sprintf("%d_%d.parquet", first, last))
		partition := map[string]string{"interval": series[0].Interval, "instrument_id": id}
		if err := s.upload(ctx, exchange, kindKline, key, partition, len(series), rows, new(klineRecord)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *ArchiveSink) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	doc, err := catalog.MarshalJSON()
	if err != nil {
		return s.record(s.Name(), exchange, kindSnapshot, 0, 0, fmt.Errorf("encode catalog: %w", err))
	}
	key := s.key("exchange_info", "exchange="+exchange, fmt.Sprintf("%d.json", takenAt.UnixMilli()))
	start := time.Now()
	err = s.put(ctx, key, "application/json", doc)
	s.logWrite(exchange, kindSnapshot, key, 1, len(doc), start, err)
	return s.record(s.Name(), exchange, kindSnapshot, 1, len(doc), err)
}

func (s *ArchiveSink) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}
	exchange := prices[0].Exchange
	rows := make([]interface{}, 0, len(prices))
	first, last := prices[0].Date, prices[0].Date
	for _, p := range prices {
		rows = append(rows, dailyPriceRecord{
			Exchange: p.Exchange,
			Currency: p.Currency,
			Date:     p.Date,
			Price:    p.Price,
			Sources:  int32(p.Sources),
		})
		first = min(first, p.Date)
		last = max(last, p.Date)
	}
	key := s.key("dcp", "exchange="+exchange, fmt.Sprintf("%s_%s.parquet", first, last))
	return s.upload(ctx, exchange, kindDailyPrice, key, map[string]string{"first_date": first, "last_date": last}, len(prices), rows, new(dailyPriceRecord))
}

func (s *ArchiveSink) logWrite(exchange, kind, key string, n, size int, start time.Time, err error) {
	log := s.log.WithComponent("archive_sink").WithFields(logger.Fields{
		"exchange":  exchange,
		"kind":      kind,
		"s3_key":    key,
		"rows":      n,
		"file_size": size,
	})
	if err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("archive upload failed")
		return
	}
	logger.LogPerformanceEntry(log, "archive_sink", "upload", time.Since(start), nil)
}

// Close uploads the run manifests.
func (s *ArchiveSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	for _, table := range s.meta.Tables() {
		doc, err := s.meta.Manifest(table)
		if err == nil {
			err = s.put(ctx, s.key(table, "metadata", s.meta.ManifestName()), "application/json", doc)
		}
		if err != nil {
			s.log.WithComponent("archive_sink").WithError(err).WithFields(logger.Fields{"table": table}).Warn("failed to write manifest")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
