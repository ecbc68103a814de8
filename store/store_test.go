package store

import (
	"path/filepath"
	"testing"
	"time"

	"silverflow/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 30)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeltaRequiresTwoObservations(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Delta("silver_spot"); err != nil || ok {
		t.Fatalf("expected no delta for empty history, ok=%v err=%v", ok, err)
	}

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	if err := s.InsertMetric(base, "silver_spot", 32.5); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, err := s.Delta("silver_spot"); err != nil || ok {
		t.Fatalf("expected no delta for single observation, ok=%v err=%v", ok, err)
	}
}

func TestDeltaSkipsEqualValues(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Oldest to newest: 30.0, 32.5, 32.5. The delta compares the newest
	// value against the most recent value that differs from it.
	for i, v := range []float64{30.0, 32.5, 32.5} {
		if err := s.InsertMetric(base.Add(time.Duration(i)*time.Hour), "silver_spot", v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	d, ok, err := s.Delta("silver_spot")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if !ok || d != 2.5 {
		t.Fatalf("expected delta 2.5, got %v ok=%v", d, ok)
	}
}

func TestDeltaAllEqualIsZero(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.InsertMetric(base.Add(time.Duration(i)*time.Hour), "registered_oz", 298000000); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	d, ok, err := s.Delta("registered_oz")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if !ok || d != 0 {
		t.Fatalf("expected zero delta, got %v ok=%v", d, ok)
	}
}

func TestDeltaOrdersByTimestampNotInsertOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Insert the newer observation first.
	if err := s.InsertMetric(base.Add(time.Hour), "silver_spot", 33.0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertMetric(base, "silver_spot", 31.0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	d, ok, err := s.Delta("silver_spot")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if !ok || d != 2.0 {
		t.Fatalf("expected delta 2.0, got %v ok=%v", d, ok)
	}
}

func TestAppendMetricsCoercion(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	err := s.AppendMetrics(ts, map[string]any{
		"silver_spot":   32.5,
		"registered_oz": "298,123,456",
		"slv_oz":        "N/A",
		"missing":       nil,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	v, _, ok, err := s.Latest("registered_oz")
	if err != nil || !ok {
		t.Fatalf("latest registered_oz: ok=%v err=%v", ok, err)
	}
	if v != 298123456 {
		t.Fatalf("unexpected value: %v", v)
	}

	if _, _, ok, _ := s.Latest("slv_oz"); ok {
		t.Fatal("expected N/A value to be skipped")
	}
	if _, _, ok, _ := s.Latest("missing"); ok {
		t.Fatal("expected nil value to be skipped")
	}
}

func TestAppendMetricsSweepsRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	if err := s.InsertMetric(now.AddDate(0, 0, -45), "silver_spot", 25.0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.AppendMetrics(now, map[string]any{"silver_spot": 32.5}); err != nil {
		t.Fatalf("append: %v", err)
	}

	points, err := s.History("silver_spot", 60)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected retention sweep to drop old row, got %d rows", len(points))
	}
	if points[0].Value != 32.5 {
		t.Fatalf("unexpected surviving value: %v", points[0].Value)
	}
}

func TestHistoryWindowAscending(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	// Five daily observations spanning ten days; a seven-day window
	// keeps only the newest four, oldest first.
	for i, v := range []float64{30, 31, 32, 33, 34} {
		ts := now.AddDate(0, 0, -8+2*i)
		if err := s.InsertMetric(ts, "silver_spot", v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	points, err := s.History("silver_spot", 7)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points inside the window, got %d", len(points))
	}
	if points[0].Value != 31 || points[3].Value != 34 {
		t.Fatalf("unexpected window bounds: first=%v last=%v", points[0].Value, points[3].Value)
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			t.Fatalf("expected ascending order, got %v before %v", points[i-1].Timestamp, points[i].Timestamp)
		}
	}
}

func TestCacheTTLJudgedAtRead(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetCache("cme_stocks", `{"registered":298123456}`); err != nil {
		t.Fatalf("set cache: %v", err)
	}

	data, age, ok := s.GetCache("cme_stocks", time.Hour)
	if !ok {
		t.Fatalf("expected fresh hit, age=%v", age)
	}
	if data != `{"registered":298123456}` {
		t.Fatalf("unexpected data: %s", data)
	}

	// Freshness requires age strictly below the TTL, so a zero TTL can
	// never produce a hit, even for an entry written this instant.
	if _, _, ok := s.GetCache("cme_stocks", 0); ok {
		t.Fatal("expected miss for zero TTL")
	}

	// The stale read still surfaces the entry with its age.
	if _, _, found := s.GetCacheStale("cme_stocks"); !found {
		t.Fatal("expected stale read to find entry")
	}
}

func TestClearCache(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetCache("a", "1"); err != nil {
		t.Fatalf("set cache: %v", err)
	}
	if err := s.SetCache("b", "2"); err != nil {
		t.Fatalf("set cache: %v", err)
	}
	if err := s.ClearCache("a"); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	if _, _, ok := s.GetCache("a", time.Hour); ok {
		t.Fatal("expected cleared key to miss")
	}
	if _, _, ok := s.GetCache("b", time.Hour); !ok {
		t.Fatal("expected untouched key to hit")
	}
	if err := s.ClearAllCache(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if _, _, ok := s.GetCache("b", time.Hour); ok {
		t.Fatal("expected cleared cache to miss")
	}
}

func TestInsertRecord(t *testing.T) {
	s := openTestStore(t)

	msg := models.RawRecordMessage{
		Source:    "barchart",
		Indicator: "silver_spot",
		Price:     32.5,
		Timestamp: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		Data:      []byte(`{"lastPrice":"32.50"}`),
	}
	if err := s.InsertRecord(msg); err != nil {
		t.Fatalf("insert record: %v", err)
	}
}
