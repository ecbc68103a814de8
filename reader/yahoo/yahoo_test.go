package yahoo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"silverflow/config"
	"silverflow/models"
	"silverflow/reader"
)

func testHTTPClient() *reader.Client {
	return reader.NewClient(config.ReaderConfig{
		Timeout:   5 * time.Second,
		UserAgent: "test-agent",
		Retry:     config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
	})
}

func chartBody(symbol string, price, prevClose float64) string {
	return fmt.Sprintf(`{"chart":{"result":[{"meta":{
		"currency":"USD","symbol":"%s",
		"regularMarketPrice":%f,"chartPreviousClose":%f,
		"regularMarketTime":1770638400}}],"error":null}}`, symbol, price, prevClose)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg config.YahooSourceConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.ChartURL = srv.URL + "/v8/finance/chart/%s"
	return NewClient(testHTTPClient(), cfg)
}

func TestFuturesFetcher(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chartBody("SIH26.CMX", 32.9, 33.2)))
	}, config.YahooSourceConfig{FuturesSymbol: "SIH26.CMX"})

	r, err := NewFuturesFetcher(c).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v, ok := r.Metric("price"); !ok || v != 32.9 {
		t.Fatalf("unexpected price: %v ok=%v", v, ok)
	}
	if _, ok := r.Metric("change_pct"); !ok {
		t.Fatal("expected derived change_pct")
	}
	if r.Meta["currency"] != "USD" {
		t.Fatalf("unexpected currency: %q", r.Meta["currency"])
	}
	if r.Timestamp != time.Unix(1770638400, 0).UTC() {
		t.Fatalf("unexpected timestamp: %v", r.Timestamp)
	}
}

func TestFxRate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chartBody("CNY=X", 7.18, 7.2)))
	}, config.YahooSourceConfig{FxSymbol: "CNY=X"})

	rate, err := c.FxRate(context.Background())
	if err != nil {
		t.Fatalf("fx rate: %v", err)
	}
	if rate != 7.18 {
		t.Fatalf("unexpected rate: %v", rate)
	}
}

func TestChartAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
	}, config.YahooSourceConfig{FuturesSymbol: "BOGUS"})

	_, err := NewFuturesFetcher(c).Fetch(context.Background())
	if models.Kind(err) != models.KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestMalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>rate limited</html>"))
	}, config.YahooSourceConfig{FuturesSymbol: "SIH26.CMX"})

	_, err := NewFuturesFetcher(c).Fetch(context.Background())
	if models.Kind(err) != models.KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}
