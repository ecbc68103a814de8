package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `silverflow:
  name: "TestApp"
  version: "1.0"
snapshot:
  interval: 30m
  max_workers: 2
store:
  path: "test.db"
archive:
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Silverflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Silverflow.Name)
	}
	if cfg.Snapshot.MaxWorkers != 2 {
		t.Errorf("unexpected max workers: %d", cfg.Snapshot.MaxWorkers)
	}
	if cfg.Snapshot.Interval != 30*time.Minute {
		t.Errorf("unexpected interval: %v", cfg.Snapshot.Interval)
	}
	// Defaults survive a partial file.
	if cfg.Reader.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected retry attempts: %d", cfg.Reader.Retry.MaxAttempts)
	}
	if cfg.Sources.Shfe.ProductID != "ag" {
		t.Errorf("unexpected shfe product id: %s", cfg.Sources.Shfe.ProductID)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	content := `silverflow:
  name: "TestApp"
  version: "1.0"
snapshot:
  interval: 5s
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error for sub-minute interval")
	}
}

func TestAnchorsFallback(t *testing.T) {
	cfg := defaultConfig()
	a := (&cfg).Anchors(FamilyDeliveryMTD)
	if a.TotalMarker != "MONTH TO DATE:" {
		t.Errorf("unexpected total marker: %s", a.TotalMarker)
	}

	// Unknown families fall back to nothing rather than panicking.
	cfg.Report.Families = nil
	b := (&cfg).Anchors(FamilyDeliveryDaily)
	if b.SectionStart != "CONTRACT:" {
		t.Errorf("unexpected section start: %s", b.SectionStart)
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	got := resolveEnvSpecificPath("", defaultConfigPath, envConfigPaths)
	if got != envConfigPaths[environmentProduction] {
		t.Errorf("unexpected path: %s", got)
	}

	// An explicit non-default path wins over the environment mapping.
	got = resolveEnvSpecificPath("custom.yml", defaultConfigPath, envConfigPaths)
	if got != "custom.yml" {
		t.Errorf("unexpected path: %s", got)
	}
}
