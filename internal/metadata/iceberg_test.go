package metadata

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorBuildsManifestPerTable(t *testing.T) {
	gen := NewGenerator("s3://bucket/raw", "run-7", time.UnixMilli(1_700_000_000_000))

	var wg sync.WaitGroup
	for i, id := range []string{"ETH_USDT_USDT", "BTC_USDT_USDT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen.AddFile("klines", DataFile{
				Path:        "s3://bucket/raw/klines/exchange=binance/interval=1d/" + id + "/1_2.parquet",
				FileSize:    int64(100 + i),
				RecordCount: 2,
				Partition:   map[string]string{"exchange": "binance", "interval": "1d"},
			})
		}()
	}
	wg.Wait()
	gen.AddFile("dcp", DataFile{Path: "s3://bucket/raw/dcp/exchange=binance/20231110_20231112.parquet", RecordCount: 5})
	gen.AddFile("dcp", DataFile{Path: "s3://bucket/raw/dcp/exchange=binance/20231110_20231112.parquet", RecordCount: 6})

	assert.Equal(t, []string{"dcp", "klines"}, gen.Tables())
	assert.Equal(t, "manifest-run-7.json", gen.ManifestName())

	doc, err := gen.Manifest("klines")
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, 2, m.FormatVersion)
	assert.Equal(t, "s3://bucket/raw/klines", m.Location)
	assert.Equal(t, int64(1_700_000_000_000), m.TimestampMs)
	assert.Equal(t, int64(4), m.Records)
	require.Len(t, m.Entries, 2)
	assert.Contains(t, m.Entries[0].DataFile.Path, "BTC_USDT_USDT")
	assert.Equal(t, 1, m.Entries[0].Status)

	doc, err = gen.Manifest("dcp")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(doc, &m))
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(6), m.Records)

	_, err = gen.Manifest("tickers")
	assert.Error(t, err)
}
