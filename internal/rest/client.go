package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/internal/metrics"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/logger"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("rest client closed")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("http status %d: %s", e.Status, body)
}

// Temporary reports whether the request is worth repeating.
func (e *HTTPError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot || e.Status >= 500
}

// Getter is the raw endpoint call the adapters depend on.
type Getter interface {
	Get(ctx context.Context, path string, params url.Values) ([]byte, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, path string, params url.Values) ([]byte, error)

func (f GetterFunc) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return f(ctx, path, params)
}

// Options configures one Client.
type Options struct {
	Exchange   string
	BaseURL    string
	HTTP       config.HTTPConfig
	RateLimit  config.RateLimitConfig
	UsedWeight bool
	// HTTPClient is shared between the markets of one exchange. When nil a
	// client is built from HTTP.
	HTTPClient *http.Client
}

// Client issues rate limited GET requests against one base URL and retries
// throttled or failed calls with exponential backoff.
type Client struct {
	exchange   string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	retry      config.RetryConfig
	localIP    string
	usedWeight bool
	log        *logger.Log

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewClient(opts Options) *Client {
	rps := opts.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(opts.HTTP)
	}
	retry := opts.HTTP.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		exchange:   strings.ToLower(opts.Exchange),
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		retry:      retry,
		localIP:    opts.HTTP.LocalIP,
		usedWeight: opts.UsedWeight,
		log:        logger.GetLogger(),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// SetRateLimit changes the request rate, for limits discovered at runtime.
func (c *Client) SetRateLimit(perSecond float64) {
	if perSecond > 0 {
		c.limiter.SetLimit(rate.Limit(perSecond))
	}
}

// Get fetches path with params and returns the response body. 429, 418, 5xx
// and transport failures are retried up to the configured attempts.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	log := c.log.WithComponent(c.exchange + "_rest").WithFields(logger.Fields{"endpoint": path})

	b := &backoff.Backoff{
		Min:    c.retry.BaseDelay,
		Max:    c.retry.MaxDelay,
		Factor: float64(max(c.retry.BackoffMultiplier, 1)),
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, retryAfter, err := c.do(ctx, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == c.retry.MaxAttempts {
			break
		}

		delay := b.Duration()
		if retryAfter > delay {
			delay = retryAfter
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "delay_ms": delay.Milliseconds()}).Warn("request failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("GET %s: %w", path, lastErr)
}

func (c *Client) do(ctx context.Context, path string, params url.Values) ([]byte, time.Duration, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}

	metrics.IncrementRequest(c.exchange, resp.StatusCode)
	logger.IncrementRequest(c.exchange, len(body))
	if c.usedWeight {
		ratemetrics.ReportUsedWeight(c.log, c.exchange, c.localIP, resp.Header)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ratemetrics.ReportLimitFromMessage(c.log, c.exchange, path, c.localIP, string(body))
		return nil, retryAfter(resp.Header), &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	c.log.WithComponent(c.exchange + "_rest").WithFields(logger.Fields{
		"endpoint":    path,
		"status":      resp.StatusCode,
		"bytes":       len(body),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("request completed")
	return body, 0, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Close releases idle connections. Later calls to Get fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.http.CloseIdleConnections()
	})
	return nil
}
