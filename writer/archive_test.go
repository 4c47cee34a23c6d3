package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	appconfig "marketflow/config"
	"marketflow/internal/metadata"
	"marketflow/models"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	err     error
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// bytesFile is a read-only source.ParquetFile over an uploaded object.
type bytesFile struct {
	data []byte
	r    *bytes.Reader
}

func newBytesFile(data []byte) *bytesFile { return &bytesFile{data: data, r: bytes.NewReader(data)} }

func (b *bytesFile) Create(string) (source.ParquetFile, error) { return nil, errors.New("read only") }
func (b *bytesFile) Open(string) (source.ParquetFile, error)   { return newBytesFile(b.data), nil }
func (b *bytesFile) Seek(off int64, whence int) (int64, error) { return b.r.Seek(off, whence) }
func (b *bytesFile) Read(p []byte) (int, error)                { return b.r.Read(p) }
func (b *bytesFile) Write([]byte) (int, error)                 { return 0, errors.New("read only") }
func (b *bytesFile) Close() error                              { return nil }

func archiveConfig(compression string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.App.Version = "test"
	cfg.Storage.S3.Bucket = "market-archive"
	cfg.Storage.S3.Prefix = "/raw/"
	cfg.Storage.Parquet.Compression = compression
	cfg.Storage.Parquet.Parallelism = 1
	return &cfg
}

func TestArchiveSinkWritesKlinePerInstrument(t *testing.T) {
	putter := newFakePutter()
	s := newArchiveSink(putter, archiveConfig("snappy"), "run-1")

	klines := append(sampleKlines("BTC/USD:BTC-PERP", 3), sampleKlines("ETH/USDT:USDT", 2)...)
	require.NoError(t, s.UpsertKlines(context.Background(), "bybit", klines))

	assert.Equal(t, []string{
		"raw/klines/exchange=bybit/interval=1d/BTC_USD_BTC-PERP/1700006400000_1700179200000.parquet",
		"raw/klines/exchange=bybit/interval=1d/ETH_USDT_USDT/1700006400000_1700092800000.parquet",
	}, putter.keys())

	data := putter.objects["raw/klines/exchange=bybit/interval=1d/BTC_USD_BTC-PERP/1700006400000_1700179200000.parquet"]
	pr, err := reader.NewParquetReader(newBytesFile(data), new(klineRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())

	rows := make([]klineRecord, 3)
	require.NoError(t, pr.Read(&rows))
	assert.Equal(t, "BTC/USD:BTC-PERP", rows[0].InstrumentID)
	assert.Equal(t, "bybit", rows[0].Exchange)
	assert.Equal(t, int64(1_700_006_400_000), rows[0].OpenTime)
	assert.Equal(t, 107.0, rows[2].Close)

	assert.Equal(t, int64(5), s.Stats().Klines)
}

func TestArchiveSinkKeysAreStable(t *testing.T) {
	putter := newFakePutter()
	s := newArchiveSink(putter, archiveConfig("gzip"), "run-1")
	ctx := context.Background()

	prices := []models.DailyPrice{
		{Currency: "BTC", Exchange: "kucoin", Date: "20231116", Price: 37000, Sources: 2},
		{Currency: "BTC", Exchange: "kucoin", Date: "20231115", Price: 36000, Sources: 2},
	}
	require.NoError(t, s.UpsertDailyPrices(ctx, prices))
	require.NoError(t, s.UpsertDailyPrices(ctx, prices))
	require.NoError(t, s.UpsertTickers(ctx, "kucoin", sampleTickers()))

	cat := sampleCatalog()
	require.NoError(t, s.UpsertExchangeInfo(ctx, "kucoin", cat.TakenAt(), cat))

	assert.Equal(t, []string{
		"raw/dcp/exchange=kucoin/20231115_20231116.parquet",
		"raw/exchange_info/exchange=kucoin/1700000000000.json",
		"raw/tickers/exchange=kucoin/date=20231114/1700000000000_1700000000000.parquet",
	}, putter.keys())
	assert.Equal(t, "run-1", putter.meta["raw/dcp/exchange=kucoin/20231115_20231116.parquet"]["run-id"])
	assert.Contains(t, string(putter.objects["raw/exchange_info/exchange=kucoin/1700000000000.json"]), "BTCUSDT")

	pr, err := reader.NewParquetReader(newBytesFile(putter.objects["raw/dcp/exchange=kucoin/20231115_20231116.parquet"]), new(dailyPriceRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	rows := make([]dailyPriceRecord, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, int32(2), rows[0].Sources)
}

func TestArchiveSinkUploadFailureIsCounted(t *testing.T) {
	putter := newFakePutter()
	putter.err = errors.New("access denied")
	s := newArchiveSink(putter, archiveConfig(""), "run-1")

	err := s.UpsertTickers(context.Background(), "okx", sampleTickers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market-archive")
	assert.Equal(t, int64(1), s.Stats().Errors)
	assert.Equal(t, int64(0), s.Stats().Tickers)
}

func TestArchiveSinkCloseWritesManifests(t *testing.T) {
	putter := newFakePutter()
	s := newArchiveSink(putter, archiveConfig("snappy"), "run-9")
	ctx := context.Background()

	require.NoError(t, s.UpsertKlines(ctx, "binance", sampleKlines("BTC/USDT", 2)))
	require.NoError(t, s.UpsertKlines(ctx, "binance", sampleKlines("BTC/USDT", 2)))
	require.NoError(t, s.Close())

	doc, ok := putter.objects["raw/klines/metadata/manifest-run-9.json"]
	require.True(t, ok, "manifest missing: %v", putter.keys())

	var m metadata.Manifest
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "s3://market-archive/raw/klines", m.Location)
	assert.Equal(t, "run-9", m.RunID)
	assert.Equal(t, int64(2), m.Records)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, "s3://market-archive/raw/klines/exchange=binance/interval=1d/BTC_USDT/1700006400000_1700092800000.parquet", m.Entries[0].DataFile.Path)
	assert.Equal(t, "binance", m.Entries[0].DataFile.Partition["exchange"])
	assert.Equal(t, "1d", m.Entries[0].DataFile.Partition["interval"])

	assert.NotContains(t, putter.keys(), "raw/tickers/metadata/manifest-run-9.json")
}
