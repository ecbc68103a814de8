package models

import (
	"time"
)

// Reading is the normalized result of one source fetch. A single fetch can
// yield several named metrics (the warehouse stocks report carries both
// registered and eligible totals).
type Reading struct {
	Source    string             `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Meta      map[string]string  `json:"meta,omitempty"`
	Raw       []byte             `json:"-"`
}

// NewReading creates an empty Reading stamped with the source and capture time.
func NewReading(source string, ts time.Time) *Reading {
	return &Reading{
		Source:    source,
		Timestamp: ts,
		Metrics:   make(map[string]float64),
	}
}

// Metric returns a named metric value and whether it was captured.
func (r *Reading) Metric(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Metrics[name]
	return v, ok
}

// Empty reports whether the reading carries no metric values. A reading can
// be legitimately empty (market holiday, no deliveries) and still be a
// successful fetch.
func (r *Reading) Empty() bool {
	return r == nil || len(r.Metrics) == 0
}

// MetricPoint is one stored observation of a metric.
type MetricPoint struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// DeliveryRow is one parsed line of a delivery report section: the intent
// date, the day's contract count and the running cumulative for the
// contract month.
type DeliveryRow struct {
	IntentDate      time.Time `json:"intent_date"`
	DailyTotal      int64     `json:"daily_total"`
	CumulativeTotal int64     `json:"cumulative_total"`
}

// ReportSection identifies the bounded substring of a report document that
// belongs to one contract. EndOffset is either the offset of the next
// recognized block delimiter or the end of the document; sections never
// overlap.
type ReportSection struct {
	ContractLabel string `json:"contract_label"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
}

// IndicatorStatus is the terminal state of one indicator's fetch chain.
type IndicatorStatus string

const (
	// StatusSuccess means a live source (or a cache entry within its TTL)
	// served the value.
	StatusSuccess IndicatorStatus = "success"
	// StatusDegraded means every live source failed and the value was
	// served from a stale cache entry.
	StatusDegraded IndicatorStatus = "degraded"
	// StatusAbsent means every live source failed and no cache entry
	// existed to fall back to.
	StatusAbsent IndicatorStatus = "absent"
)

// IndicatorResult is the tagged per-indicator outcome inside a snapshot.
// Reading is nil exactly when Status is StatusAbsent.
type IndicatorResult struct {
	Indicator string          `json:"indicator"`
	Status    IndicatorStatus `json:"status"`
	Source    string          `json:"source,omitempty"`
	Reading   *Reading        `json:"reading,omitempty"`
	Age       time.Duration   `json:"age,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Snapshot is the merged result of one aggregation pass across all
// indicators. A missing indicator appears as an Absent result, never as a
// missing map key, so callers cannot mistake absence for zero.
type Snapshot struct {
	ID         string                     `json:"id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Indicators map[string]IndicatorResult `json:"indicators"`
	Derived    map[string]float64         `json:"derived,omitempty"`
	Deltas     map[string]float64         `json:"deltas,omitempty"`
}

// Result returns the tagged result for an indicator, defaulting to Absent
// when the indicator was never attempted.
func (s *Snapshot) Result(indicator string) IndicatorResult {
	if r, ok := s.Indicators[indicator]; ok {
		return r
	}
	return IndicatorResult{Indicator: indicator, Status: StatusAbsent}
}

// RawRecordMessage carries one raw source payload from the aggregator to
// the archive writer.
type RawRecordMessage struct {
	Source    string
	Indicator string
	Price     float64
	Timestamp time.Time
	Data      []byte
}
