package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/internal/metrics"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/rest"
	"marketflow/logger"
)

// sdkGetter serves the v5 market endpoints through the official connector
// and re-encodes each response as a {"retCode","retMsg","result"} body, so
// the adapter parses SDK and raw REST responses the same way.
type sdkGetter struct {
	client  *bybit.Client
	limiter *rate.Limiter
	retry   config.RetryConfig
	log     *logger.Log
}

func newSDKGetter(base string, cfg *config.Config, ex config.ExchangeConfig) *sdkGetter {
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = rest.NewHTTPClient(cfg.HTTP)

	rps := ex.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := ex.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	retry := cfg.HTTP.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &sdkGetter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   retry,
		log:     logger.GetLogger(),
	}
}

func (g *sdkGetter) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	args := make(map[string]interface{}, len(params))
	for k := range params {
		v := params.Get(k)
		if n, err := strconv.Atoi(v); err == nil && (k == "limit" || k == "end" || k == "start") {
			args[k] = n
			continue
		}
		args[k] = v
	}

	b := &backoff.Backoff{
		Min:    g.retry.BaseDelay,
		Max:    g.retry.MaxDelay,
		Factor: float64(max(g.retry.BackoffMultiplier, 1)),
		Jitter: true,
	}
	log := g.log.WithComponent("bybit_sdk").WithFields(logger.Fields{"endpoint": path})

	var lastErr error
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, err := g.call(ctx, path, args)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, errUnknownPath) || attempt == g.retry.MaxAttempts {
			break
		}
		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "delay_ms": delay.Milliseconds()}).Warn("request failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("GET %s: %w", path, lastErr)
}

var errUnknownPath = errors.New("no connector call for path")

func (g *sdkGetter) call(ctx context.Context, path string, args map[string]interface{}) ([]byte, error) {
	svc := g.client.NewUtaBybitServiceWithParams(args)

	var (
		resp *bybit.ServerResponse
		err  error
	)
	switch path {
	case instrumentsPath:
		resp, err = svc.GetInstrumentInfo(ctx)
	case tickersPath:
		resp, err = svc.GetMarketTickers(ctx)
	case klinePath:
		resp, err = svc.GetMarketKline(ctx)
	default:
		return nil, fmt.Errorf("%s: %w", path, errUnknownPath)
	}
	if err != nil {
		metrics.IncrementRequest(exchange, 0)
		ratemetrics.ReportLimitFromMessage(g.log, exchange, path, "", err.Error())
		return nil, err
	}
	metrics.IncrementRequest(exchange, 200)

	body, err := json.Marshal(map[string]interface{}{
		"retCode": resp.RetCode,
		"retMsg":  resp.RetMsg,
		"result":  resp.Result,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", path, err)
	}
	logger.IncrementRequest(exchange, len(body))
	return body, nil
}
