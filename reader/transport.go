// Package reader provides the shared HTTP plumbing and the per-source
// fetcher collaborators used to pull market indicators from upstream sites.
package reader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"silverflow/config"
	"silverflow/logger"
)

// StatusError reports a non-retriable HTTP status. Fetchers inspect the
// code to tell a missing document (404 on a non-trading day) from drift.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// Client is the HTTP client shared by every source fetcher. All outbound
// requests go through one rate limiter so a snapshot burst does not hammer
// the scraped sites.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	retry   config.RetryConfig
	log     *logger.Log
}

// NewClient builds the shared client from reader configuration.
func NewClient(cfg config.ReaderConfig) *Client {
	pool := cfg.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:    pool.MaxIdleConns,
		MaxConnsPerHost: pool.MaxConnsPerHost,
		IdleConnTimeout: pool.IdleConnTimeout,
	}

	rl := cfg.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: userAgentTransport{agent: cfg.UserAgent, base: transport},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   cfg.Retry,
		log:     logger.GetLogger(),
	}
}

// Get performs a rate-limited GET with retry on transport errors and 5xx
// responses. Backoff grows linearly with the attempt number. Non-retriable
// statuses fail immediately.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if !c.backoff(ctx, i) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			if !c.backoff(ctx, i) {
				return nil, ctx.Err()
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if !c.backoff(ctx, i) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode, URL: url}
		}

		logger.IncrementSourceFetch(len(body))
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) backoff(ctx context.Context, attempt int) bool {
	delay := c.retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * delay):
		return true
	}
}
