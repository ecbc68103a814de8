package shfe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"silverflow/config"
	"silverflow/models"
	"silverflow/reader"
)

func testClient() *reader.Client {
	return reader.NewClient(config.ReaderConfig{
		Timeout:   5 * time.Second,
		UserAgent: "test-agent",
		Retry:     config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
	})
}

const dailyPayload = `{"o_curinstrument":[
  {"PRODUCTID":"cu","INSTRUMENTID":"cu2603","CLOSEPRICE":75120,"VOLUME":91882,"OPENINTEREST":152330,"OPENINTERESTCHG":-1202},
  {"PRODUCTID":"ag","INSTRUMENTID":"ag2602","CLOSEPRICE":"7712","VOLUME":"120034","OPENINTEREST":"303126","OPENINTERESTCHG":"2110"},
  {"PRODUCTID":"ag","INSTRUMENTID":"ag2603","CLOSEPRICE":7745,"VOLUME":284411,"OPENINTEREST":401220,"OPENINTERESTCHG":-5110}
]}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc, contract string) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFetcher(testClient(), config.ShfeSourceConfig{
		URLTemplate: srv.URL + "/data/dailydata/kx/kx%s.dat",
		Referer:     "https://example.com/",
		ProductID:   "ag",
		Contract:    contract,
	})
}

func TestFetchPicksConfiguredContract(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://example.com/" {
			t.Errorf("missing referer header")
		}
		w.Write([]byte(dailyPayload))
	}, "ag2603")

	r, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if r.Meta["contract"] != "ag2603" {
		t.Fatalf("unexpected contract: %q", r.Meta["contract"])
	}
	if v, _ := r.Metric("price_cny"); v != 7745 {
		t.Fatalf("unexpected price: %v", v)
	}
	if v, _ := r.Metric("oi_change"); v != -5110 {
		t.Fatalf("unexpected oi change: %v", v)
	}
}

func TestFetchFallsBackToFirstProductRow(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(dailyPayload))
	}, "ag2612")

	r, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if r.Meta["contract"] != "ag2602" {
		t.Fatalf("unexpected contract: %q", r.Meta["contract"])
	}
	// Quoted numbers decode the same as bare ones.
	if v, _ := r.Metric("open_interest"); v != 303126 {
		t.Fatalf("unexpected open interest: %v", v)
	}
}

func TestFetchNonTradingDay(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, "ag2603")

	_, err := f.Fetch(context.Background())
	if !models.IsNotFound(err) {
		t.Fatalf("expected not-found for 404, got %v", err)
	}
	if models.FallbackEligible(err) {
		t.Fatal("a closed market must not trigger fallback")
	}
}

func TestFetchNoSilverRows(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"o_curinstrument":[{"PRODUCTID":"cu","INSTRUMENTID":"cu2603","CLOSEPRICE":75120}]}`))
	}, "ag2603")

	_, err := f.Fetch(context.Background())
	if !models.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestFetchMalformedFile(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}, "ag2603")

	_, err := f.Fetch(context.Background())
	if models.Kind(err) != models.KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}
