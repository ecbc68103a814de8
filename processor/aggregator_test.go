package processor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
	"silverflow/reader/yahoo"
	"silverflow/store"
)

type fakeFetcher struct {
	name    string
	reading *models.Reading
	err     error
	calls   int
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reading, nil
}

func testReading(source string, metrics map[string]float64) *models.Reading {
	r := models.NewReading(source, time.Now().UTC())
	for k, v := range metrics {
		r.Metrics[k] = v
	}
	r.Raw = []byte(`{"fixture":true}`)
	return r
}

func minimalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Snapshot.MaxWorkers = 2
	cfg.Sources.Yahoo.FallbackCnyRate = 7.25
	return cfg
}

func testAggregator(t *testing.T, chains []SourceChain) (*Aggregator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Aggregator{
		cfg:    minimalConfig(),
		store:  st,
		chains: chains,
		log:    logger.GetLogger(),
	}, st
}

func TestRunSnapshotSuccessPersists(t *testing.T) {
	fetcher := &fakeFetcher{name: "barchart_spot", reading: testReading("barchart_spot", map[string]float64{"price": 33.41})}
	a, st := testAggregator(t, []SourceChain{{
		Indicator:   "spot_silver",
		Fetchers:    []models.Fetcher{fetcher},
		CacheKey:    "spot_silver",
		CacheTTL:    time.Hour,
		PriceMetric: "price",
		MetricNames: map[string]string{"price": "XAGUSD_Spot"},
	}})

	snap := a.RunSnapshot(context.Background(), false)

	result := snap.Result("spot_silver")
	if result.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if result.Source != "barchart_spot" {
		t.Errorf("source = %q", result.Source)
	}

	value, _, ok, err := st.Latest("XAGUSD_Spot")
	if err != nil || !ok {
		t.Fatalf("latest XAGUSD_Spot: ok=%v err=%v", ok, err)
	}
	if value != 33.41 {
		t.Errorf("stored value = %v, want 33.41", value)
	}

	data, _, ok := st.GetCacheStale("spot_silver")
	if !ok {
		t.Fatal("reading was not cached")
	}
	var cached models.Reading
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		t.Fatalf("cache payload: %v", err)
	}
	if cached.Metrics["price"] != 33.41 {
		t.Errorf("cached price = %v", cached.Metrics["price"])
	}
}

func TestRunSnapshotFallsBackOnFailure(t *testing.T) {
	primary := &fakeFetcher{name: "barchart_futures", err: models.NewNetworkError("barchart_futures", errors.New("timeout"))}
	secondary := &fakeFetcher{name: "yahoo_futures", reading: testReading("yahoo_futures", map[string]float64{"price": 33.8})}
	a, _ := testAggregator(t, []SourceChain{{
		Indicator:   "comex_futures",
		Fetchers:    []models.Fetcher{primary, secondary},
		CacheKey:    "comex_futures",
		PriceMetric: "price",
		MetricNames: map[string]string{"price": "COMEX_Futures_Price"},
	}})

	snap := a.RunSnapshot(context.Background(), false)

	result := snap.Result("comex_futures")
	if result.Status != models.StatusSuccess || result.Source != "yahoo_futures" {
		t.Fatalf("result = %+v, want success via yahoo_futures", result)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}
}

func TestRunSnapshotNotFoundIsTerminal(t *testing.T) {
	primary := &fakeFetcher{name: "shfe_daily", err: models.NewNotFoundError("shfe_daily", errors.New("non-trading day"))}
	secondary := &fakeFetcher{name: "barchart_shfe", reading: testReading("barchart_shfe", map[string]float64{"price_cny": 9000})}
	a, _ := testAggregator(t, []SourceChain{{
		Indicator: "shfe_silver",
		Fetchers:  []models.Fetcher{primary, secondary},
		CacheKey:  "shfe_silver",
	}})

	snap := a.RunSnapshot(context.Background(), false)

	result := snap.Result("shfe_silver")
	if result.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if !result.Reading.Empty() {
		t.Error("not-found result should carry an empty reading")
	}
	if secondary.calls != 0 {
		t.Errorf("fallback was attempted after not-found: calls = %d", secondary.calls)
	}
}

func TestRunSnapshotServesStaleCache(t *testing.T) {
	fetcher := &fakeFetcher{name: "ishares_slv", err: models.NewNetworkError("ishares_slv", errors.New("refused"))}
	a, st := testAggregator(t, []SourceChain{{
		Indicator: "slv_holdings",
		Fetchers:  []models.Fetcher{fetcher},
		CacheKey:  "slv_holdings",
	}})

	cached := testReading("ishares_slv", map[string]float64{"inventory_tonnes": 13964.25})
	data, _ := json.Marshal(cached)
	if err := st.SetCache("slv_holdings", string(data)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	snap := a.RunSnapshot(context.Background(), false)

	result := snap.Result("slv_holdings")
	if result.Status != models.StatusDegraded {
		t.Fatalf("status = %s, want degraded", result.Status)
	}
	if result.Reading.Metrics["inventory_tonnes"] != 13964.25 {
		t.Errorf("stale reading lost its value: %+v", result.Reading.Metrics)
	}
}

func TestRunSnapshotAbsentWithoutCache(t *testing.T) {
	fetcher := &fakeFetcher{name: "cme_stocks", err: models.NewFormatError("cme_stocks", errors.New("layout drift"))}
	a, _ := testAggregator(t, []SourceChain{{
		Indicator: "comex_stocks",
		Fetchers:  []models.Fetcher{fetcher},
		CacheKey:  "comex_stocks",
	}})

	snap := a.RunSnapshot(context.Background(), false)

	result := snap.Result("comex_stocks")
	if result.Status != models.StatusAbsent {
		t.Fatalf("status = %s, want absent", result.Status)
	}
	if result.Reading != nil {
		t.Error("absent result must carry no reading")
	}
	if result.Reason == "" {
		t.Error("absent result should explain itself")
	}
}

func TestRunSnapshotFreshCacheSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{name: "barchart_spot", reading: testReading("barchart_spot", map[string]float64{"price": 34.0})}
	a, st := testAggregator(t, []SourceChain{{
		Indicator: "spot_silver",
		Fetchers:  []models.Fetcher{fetcher},
		CacheKey:  "spot_silver",
		CacheTTL:  time.Hour,
	}})

	cached := testReading("barchart_spot", map[string]float64{"price": 33.41})
	data, _ := json.Marshal(cached)
	if err := st.SetCache("spot_silver", string(data)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	snap := a.RunSnapshot(context.Background(), false)

	if fetcher.calls != 0 {
		t.Errorf("fetch attempted despite fresh cache: calls = %d", fetcher.calls)
	}
	result := snap.Result("spot_silver")
	if result.Status != models.StatusSuccess || result.Reading.Metrics["price"] != 33.41 {
		t.Errorf("cache hit result = %+v", result)
	}

	// force bypasses the fresh cache and refetches.
	snap = a.RunSnapshot(context.Background(), true)
	if fetcher.calls != 1 {
		t.Errorf("forced run did not fetch: calls = %d", fetcher.calls)
	}
	if snap.Result("spot_silver").Reading.Metrics["price"] != 34.0 {
		t.Error("forced run served the cached value")
	}
}

func TestRunSnapshotDerivedRatios(t *testing.T) {
	a, _ := testAggregator(t, []SourceChain{
		{
			Indicator: "comex_stocks",
			Fetchers: []models.Fetcher{&fakeFetcher{name: "cme_stocks", reading: testReading("cme_stocks", map[string]float64{
				"registered": 100_000_000,
				"total":      250_000_000,
			})}},
		},
		{
			Indicator: "comex_futures",
			Fetchers: []models.Fetcher{&fakeFetcher{name: "barchart_futures", reading: testReading("barchart_futures", map[string]float64{
				"open_interest": 120_000,
			})}},
		},
		{
			Indicator: "slv_holdings",
			Fetchers: []models.Fetcher{&fakeFetcher{name: "ishares_slv", reading: testReading("ishares_slv", map[string]float64{
				"inventory_ounces": 400_000_000,
			})}},
		},
	})

	snap := a.RunSnapshot(context.Background(), false)

	if got := snap.Derived["Registered_to_Total"]; got != 0.4 {
		t.Errorf("Registered_to_Total = %v, want 0.4", got)
	}
	if got := snap.Derived["Paper_to_Physical"]; got != 6.0 {
		t.Errorf("Paper_to_Physical = %v, want 6.0", got)
	}
	if got := snap.Derived["SLV_Coverage"]; got != 0.25 {
		t.Errorf("SLV_Coverage = %v, want 0.25", got)
	}
}

func TestRunSnapshotDerivedOmittedWhenOperandMissing(t *testing.T) {
	a, _ := testAggregator(t, []SourceChain{
		{
			Indicator: "comex_futures",
			Fetchers: []models.Fetcher{&fakeFetcher{name: "barchart_futures", reading: testReading("barchart_futures", map[string]float64{
				"open_interest": 120_000,
			})}},
		},
		{
			Indicator: "comex_stocks",
			Fetchers:  []models.Fetcher{&fakeFetcher{name: "cme_stocks", err: models.NewNetworkError("cme_stocks", errors.New("down"))}},
		},
	})

	snap := a.RunSnapshot(context.Background(), false)

	if _, ok := snap.Derived["Paper_to_Physical"]; ok {
		t.Error("Paper_to_Physical computed without registered stocks")
	}
}

func TestRunSnapshotDeltas(t *testing.T) {
	a, st := testAggregator(t, nil)

	base := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	if err := st.InsertMetric(base, "XAGUSD_Spot", 30.00); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InsertMetric(base.Add(time.Hour), "XAGUSD_Spot", 33.00); err != nil {
		t.Fatalf("insert: %v", err)
	}

	snap := a.RunSnapshot(context.Background(), false)

	delta, ok := snap.Deltas["XAGUSD_Spot"]
	if !ok {
		t.Fatal("delta missing for XAGUSD_Spot")
	}
	if math.Abs(delta-3.0) > 1e-9 {
		t.Errorf("delta = %v, want 3.0", delta)
	}
}

func TestConvertShfePriceFallbackRate(t *testing.T) {
	// FX endpoint down, conversion falls back to the configured rate.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := minimalConfig()
	cfg.Reader.Timeout = time.Second
	cfg.Reader.Retry.MaxAttempts = 1
	cfg.Reader.RateLimit.RequestsPerSecond = 100
	cfg.Reader.RateLimit.BurstSize = 1
	cfg.Sources.Yahoo.ChartURL = server.URL + "/chart/%s"
	cfg.Sources.Yahoo.FxSymbol = "CNY=X"

	a, st := testAggregator(t, nil)
	a.cfg = cfg
	a.fx = yahoo.NewClient(reader.NewClient(cfg.Reader), cfg.Sources.Yahoo)
	_ = st

	reading := testReading("shfe_daily", map[string]float64{"price_cny": 9000})
	a.convertShfePrice(context.Background(), reading)

	usd, ok := reading.Metric("price_usd")
	if !ok {
		t.Fatal("price_usd not derived")
	}
	want := 9000.0 / 7.25 / CnyKgPerOz
	if math.Abs(usd-want) > 1e-9 {
		t.Errorf("price_usd = %v, want %v", usd, want)
	}
}
