package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"silverflow/config"
)

func testReaderConfig() config.ReaderConfig {
	return config.ReaderConfig{
		Timeout:   5 * time.Second,
		UserAgent: "test-agent",
		Retry:     config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
	}
}

func TestGetSetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("missing user agent, got %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Referer") != "https://example.com/" {
			t.Errorf("missing referer, got %q", r.Header.Get("Referer"))
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testReaderConfig())
	body, err := c.Get(context.Background(), srv.URL, map[string]string{"Referer": "https://example.com/"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := NewClient(testReaderConfig())
	body, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "recovered" {
		t.Fatalf("unexpected body: %s", body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestGetExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testReaderConfig())
	_, err := c.Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testReaderConfig())
	_, err := c.Get(context.Background(), srv.URL, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
