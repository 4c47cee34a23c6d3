package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

const redisPrefix = "marketflow"

// Redis key layout. Hash fields carry the rest of the natural key so a
// repeated write overwrites the same field.
//
//	marketflow:ticker:<exchange>:<id>            hash, one field per column, expires after TTL
//	marketflow:kline:<exchange>:<id>             hash, open_time -> candle json
//	marketflow:exchange_info:<exchange>          hash, taken_at ms -> catalog json, plus "latest"
//	marketflow:dcp:<exchange>:<yyyymmdd>         hash, currency -> price
func redisTickerKey(exchange, id string) string {
	return fmt.Sprintf("%s:ticker:%s:%s", redisPrefix, exchange, id)
}

func redisKlineKey(exchange, id string) string {
	return fmt.Sprintf("%s:kline:%s:%s", redisPrefix, exchange, id)
}

func redisExchangeInfoKey(exchange string) string {
	return fmt.Sprintf("%s:exchange_info:%s", redisPrefix, exchange)
}

func redisDailyPriceKey(exchange, date string) string {
	return fmt.Sprintf("%s:dcp:%s:%s", redisPrefix, exchange, date)
}

// RedisSink keeps the latest view of each series in redis hashes. Every
// call runs as one MULTI/EXEC pipeline.
type RedisSink struct {
	counters
	client *goredis.Client
	ttl    time.Duration
	log    *logger.Log
}

func NewRedisSink(ctx context.Context, cfg appconfig.RedisConfig) (*RedisSink, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSink(ctx, client, cfg)
}

func newRedisSink(ctx context.Context, client *goredis.Client, cfg appconfig.RedisConfig) (*RedisSink, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("redis_sink").WithFields(logger.Fields{"addr": cfg.Addr, "db": cfg.DB}).Info("redis sink connected")
	return &RedisSink{client: client, ttl: cfg.TTL, log: log}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Client returns the underlying client for health checks.
func (s *RedisSink) Client() *goredis.Client { return s.client }

func (s *RedisSink) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	start := time.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, t := range tickers {
			key := redisTickerKey(exchange, t.InstrumentID)
			pipe.HSet(ctx, key, map[string]interface{}{
				"timestamp":    t.Timestamp,
				"open":         t.Open,
				"high":         t.High,
				"low":          t.Low,
				"last":         t.Last,
				"base_volume":  t.BaseVolume,
				"quote_volume": t.QuoteVolume,
				"open_time":    t.OpenTime,
				"close_time":   t.CloseTime,
			})
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
		}
		return nil
	})
	s.logWrite(exchange, kindTicker, len(tickers), start, err)
	return s.record(s.Name(), exchange, kindTicker, len(tickers), 0, err)
}

func (s *RedisSink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	fields := make(map[string]map[string]interface{})
	size := 0
	for _, k := range klines {
		k.Exchange = exchange
		b, err := json.Marshal(k)
		if err != nil {
			return s.record(s.Name(), exchange, kindKline, 0, 0, fmt.Errorf("encode kline: %w", err))
		}
		key := redisKlineKey(exchange, k.InstrumentID)
		if fields[key] == nil {
			fields[key] = make(map[string]interface{})
		}
		fields[key][strconv.FormatInt(k.OpenTime, 10)] = b
		size += len(b)
	}

	start := time.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for key, values := range fields {
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	s.logWrite(exchange, kindKline, len(klines), start, err)
	return s.record(s.Name(), exchange, kindKline, len(klines), size, err)
}

func (s *RedisSink) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	doc, err := json.Marshal(catalog)
	if err != nil {
		return s.record(s.Name(), exchange, kindSnapshot, 0, 0, fmt.Errorf("encode catalog: %w", err))
	}
	ts := strconv.FormatInt(takenAt.UnixMilli(), 10)

	start := time.Now()
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, redisExchangeInfoKey(exchange), ts, doc, "latest", ts)
		return nil
	})
	s.logWrite(exchange, kindSnapshot, 1, start, err)
	return s.record(s.Name(), exchange, kindSnapshot, 1, len(doc), err)
}

func (s *RedisSink) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}
	start := time.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range prices {
			pipe.HSet(ctx, redisDailyPriceKey(p.Exchange, p.Date), p.Currency, strconv.FormatFloat(p.Price, 'f', -1, 64))
		}
		return nil
	})
	exchange := prices[0].Exchange
	s.logWrite(exchange, kindDailyPrice, len(prices), start, err)
	return s.record(s.Name(), exchange, kindDailyPrice, len(prices), 0, err)
}

func (s *RedisSink) logWrite(exchange, kind string, n int, start time.Time, err error) {
	log := s.log.WithComponent("redis_sink").WithFields(logger.Fields{"exchange": exchange, "kind": kind, "rows": n})
	if err != nil {
		log.WithError(err).Error("redis upsert failed")
		return
	}
	logger.LogPerformanceEntry(log, "redis_sink", "upsert", time.Since(start), nil)
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
