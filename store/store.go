// Package store provides SQLite-backed persistence for metric history,
// the read-through cache and raw source records.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"silverflow/logger"
	"silverflow/models"
)

// timeLayout is the canonical timestamp encoding. Lexicographic order of
// encoded values matches chronological order, which the delta and history
// queries rely on.
const timeLayout = "2006-01-02 15:04:05"

// Store wraps a SQLite database for all persistence operations.
type Store struct {
	db            *sql.DB
	retentionDays int
	log           *logger.Entry
}

// Open opens or creates the SQLite database at dbPath. An empty dbPath
// defaults to $TMPDIR/silverflow/market_data.db.
func Open(dbPath string, retentionDays int) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "silverflow", "market_data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Store{
		db:            db,
		retentionDays: retentionDays,
		log:           logger.GetLogger().WithComponent("store"),
	}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			timestamp   TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			value       REAL NOT NULL,
			PRIMARY KEY (timestamp, metric_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(metric_name, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS cache (
			key        TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			source    TEXT NOT NULL,
			indicator TEXT NOT NULL,
			price     REAL,
			timestamp TEXT NOT NULL,
			data      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ts ON records(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendMetrics writes one row per metric for the given observation time and
// sweeps rows older than the retention window. Values that cannot be coerced
// to a number (missing, "N/A") are skipped rather than failing the batch.
// Writing the same (timestamp, name) pair again replaces the earlier value.
func (s *Store) AppendMetrics(ts time.Time, metrics map[string]any) error {
	encoded := ts.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for name, raw := range metrics {
		value, ok := coerceValue(raw)
		if !ok {
			s.log.WithFields(logger.Fields{"metric": name, "value": raw}).Debug("skipping non-numeric metric value")
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO metrics (timestamp, metric_name, value) VALUES (?,?,?)`,
			encoded, name, value,
		); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", name, err)
		}
	}

	cutoff := ts.UTC().AddDate(0, 0, -s.retentionDays).Format(timeLayout)
	if _, err := tx.Exec(`DELETE FROM metrics WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep old metrics: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM records WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep old records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.IncrementStoreWrite(len(metrics))
	return nil
}

// InsertMetric writes a single observation.
func (s *Store) InsertMetric(ts time.Time, name string, value float64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO metrics (timestamp, metric_name, value) VALUES (?,?,?)`,
		ts.UTC().Format(timeLayout), name, value,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric %s: %w", name, err)
	}
	return nil
}

// Delta returns the difference between the newest stored value of a metric
// and the most recent value that differs from it. With fewer than two
// observations there is no delta and ok is false. When every stored value
// equals the newest one the delta is zero.
func (s *Store) Delta(name string) (float64, bool, error) {
	rows, err := s.db.Query(
		`SELECT value FROM metrics WHERE metric_name = ? ORDER BY timestamp DESC`, name)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query metric %s: %w", name, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, false, fmt.Errorf("failed to scan metric %s: %w", name, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	if len(values) < 2 {
		return 0, false, nil
	}
	current := values[0]
	for _, v := range values[1:] {
		if v != current {
			return current - v, true, nil
		}
	}
	return 0, true, nil
}

// Latest returns the most recent stored value of a metric.
func (s *Store) Latest(name string) (float64, time.Time, bool, error) {
	row := s.db.QueryRow(
		`SELECT value, timestamp FROM metrics WHERE metric_name = ? ORDER BY timestamp DESC LIMIT 1`, name)

	var value float64
	var encoded string
	err := row.Scan(&value, &encoded)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to query metric %s: %w", name, err)
	}
	ts, err := time.ParseInLocation(timeLayout, encoded, time.UTC)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to parse timestamp for %s: %w", name, err)
	}
	return value, ts, true, nil
}

// History returns the observations of a metric from the trailing window of
// the given number of days, oldest first.
func (s *Store) History(name string, days int) ([]models.MetricPoint, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	rows, err := s.db.Query(
		`SELECT timestamp, value FROM metrics WHERE metric_name = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		name, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", name, err)
	}
	defer rows.Close()

	var points []models.MetricPoint
	for rows.Next() {
		var encoded string
		var value float64
		if err := rows.Scan(&encoded, &value); err != nil {
			return nil, fmt.Errorf("failed to scan history for %s: %w", name, err)
		}
		ts, err := time.ParseInLocation(timeLayout, encoded, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for %s: %w", name, err)
		}
		points = append(points, models.MetricPoint{Name: name, Timestamp: ts, Value: value})
	}
	return points, rows.Err()
}

// GetCache returns the cached payload for key when its age is within ttl.
// Freshness is judged at read time against the stored update time, so a
// caller with a shorter ttl sees a miss where another still sees a hit.
// The entry age is returned even for stale hits so callers can degrade to
// stale data when every live source fails.
func (s *Store) GetCache(key string, ttl time.Duration) (string, time.Duration, bool) {
	row := s.db.QueryRow(`SELECT data, updated_at FROM cache WHERE key = ?`, key)

	var data, encoded string
	err := row.Scan(&data, &encoded)
	if err == sql.ErrNoRows {
		return "", 0, false
	}
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache read failed")
		return "", 0, false
	}
	updatedAt, err := time.ParseInLocation(timeLayout, encoded, time.UTC)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache entry has invalid timestamp")
		return "", 0, false
	}
	age := time.Since(updatedAt)
	return data, age, age < ttl
}

// GetCacheStale returns the cached payload and its age regardless of any TTL.
func (s *Store) GetCacheStale(key string) (string, time.Duration, bool) {
	row := s.db.QueryRow(`SELECT data, updated_at FROM cache WHERE key = ?`, key)

	var data, encoded string
	if err := row.Scan(&data, &encoded); err != nil {
		if err != sql.ErrNoRows {
			s.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache read failed")
		}
		return "", 0, false
	}
	updatedAt, err := time.ParseInLocation(timeLayout, encoded, time.UTC)
	if err != nil {
		return "", 0, false
	}
	return data, time.Since(updatedAt), true
}

// SetCache stores a payload under key, replacing any previous entry.
func (s *Store) SetCache(key, data string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache (key, data, updated_at) VALUES (?,?,?)`,
		key, data, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to set cache %s: %w", key, err)
	}
	return nil
}

// ClearCache removes a single cache entry.
func (s *Store) ClearCache(key string) error {
	if _, err := s.db.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear cache %s: %w", key, err)
	}
	return nil
}

// ClearAllCache removes every cache entry.
func (s *Store) ClearAllCache() error {
	if _, err := s.db.Exec(`DELETE FROM cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// InsertRecord stores the raw payload captured from a source alongside the
// headline price it produced.
func (s *Store) InsertRecord(msg models.RawRecordMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO records (source, indicator, price, timestamp, data) VALUES (?,?,?,?,?)`,
		msg.Source, msg.Indicator, msg.Price, msg.Timestamp.UTC().Format(timeLayout), string(msg.Data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// coerceValue converts a metric value to float64. Strings are accepted after
// stripping thousands separators; placeholder values report false.
func coerceValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		trimmed := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if trimmed == "" || strings.EqualFold(trimmed, "n/a") {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case nil:
		return 0, false
	default:
		return 0, false
	}
}
