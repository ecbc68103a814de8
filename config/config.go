package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Silverflow SilverflowConfig `yaml:"silverflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Reader     ReaderConfig     `yaml:"reader"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Sources    SourcesConfig    `yaml:"sources"`
	Report     ReportConfig     `yaml:"report"`
	Store      StoreConfig      `yaml:"store"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SilverflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// SnapshotConfig controls the aggregation pass.
type SnapshotConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxWorkers int           `yaml:"max_workers"`
}

type SourcesConfig struct {
	Barchart BarchartSourceConfig `yaml:"barchart"`
	Yahoo    YahooSourceConfig    `yaml:"yahoo"`
	IShares  ISharesSourceConfig  `yaml:"ishares"`
	Cme      CmeSourceConfig      `yaml:"cme"`
	Shfe     ShfeSourceConfig     `yaml:"shfe"`
}

// BarchartSourceConfig covers the three quote pages scraped from Barchart:
// spot silver, the tracked COMEX futures contract and the SHFE-listed
// contract.
type BarchartSourceConfig struct {
	SpotURL       string        `yaml:"spot_url"`
	FuturesURL    string        `yaml:"futures_url"`
	FuturesSymbol string        `yaml:"futures_symbol"`
	ShfeURL       string        `yaml:"shfe_url"`
	ShfeContract  string        `yaml:"shfe_contract"`
	SpotCacheTTL  time.Duration `yaml:"spot_cache_ttl"`
	QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl"`
}

// YahooSourceConfig is the fallback quote provider (chart API) and the FX
// rate source for CNY conversion.
type YahooSourceConfig struct {
	ChartURL        string  `yaml:"chart_url"`
	FuturesSymbol   string  `yaml:"futures_symbol"`
	FxSymbol        string  `yaml:"fx_symbol"`
	FallbackCnyRate float64 `yaml:"fallback_cny_rate"`
}

type ISharesSourceConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CmeSourceConfig covers the warehouse stocks spreadsheet and the two
// delivery report PDFs.
type CmeSourceConfig struct {
	StocksURL   string        `yaml:"stocks_url"`
	DailyPDFURL string        `yaml:"daily_pdf_url"`
	MtdPDFURL   string        `yaml:"mtd_pdf_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type ShfeSourceConfig struct {
	URLTemplate string        `yaml:"url_template"`
	Referer     string        `yaml:"referer"`
	ProductID   string        `yaml:"product_id"`
	Contract    string        `yaml:"contract"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// ReportConfig holds the anchor literals for each delivery-report document
// family. Format drift upstream is a config change here, not a code change.
type ReportConfig struct {
	Families map[string]AnchorsConfig `yaml:"families"`
}

// AnchorsConfig is the anchor table for one document family.
type AnchorsConfig struct {
	SectionStart  string   `yaml:"section_start"`
	SectionEnds   []string `yaml:"section_ends"`
	FamilyMarkers []string `yaml:"family_markers"`
	TotalMarker   string   `yaml:"total_marker"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ArchiveConfig struct {
	S3            S3Config      `yaml:"s3"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	Prefix        string        `yaml:"prefix"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	defaultConfigPath = "config/config.yml"

	// FamilyDeliveryDaily is the CME daily issues-and-stops report.
	FamilyDeliveryDaily = "delivery_daily"
	// FamilyDeliveryMTD is the CME month-to-date issues-and-stops report.
	FamilyDeliveryMTD = "delivery_mtd"
)

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// ResolveConfigPath selects an environment specific configuration file when
// one is available for the current APP_ENV.
func ResolveConfigPath(path string) string {
	return resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// defaultConfig carries the values a bare config file inherits, including
// the anchor tables for the known CME report families.
func defaultConfig() Config {
	return Config{
		Channels: ChannelsConfig{RawBuffer: 100},
		Reader: ReaderConfig{
			Timeout:   15 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: time.Second},
			RateLimit: RateLimitConfig{RequestsPerSecond: 2, BurstSize: 4},
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    8,
				MaxConnsPerHost: 4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Snapshot: SnapshotConfig{Interval: time.Hour, MaxWorkers: 4},
		Sources: SourcesConfig{
			Barchart: BarchartSourceConfig{
				SpotURL:       "https://www.barchart.com/forex/quotes/%5EXAGUSD/overview",
				FuturesURL:    "https://www.barchart.com/futures/quotes/SIH26/overview",
				FuturesSymbol: "SIH26",
				ShfeURL:       "https://www.barchart.com/futures/quotes/XOH26/overview",
				ShfeContract:  "ag2603",
				SpotCacheTTL:  10 * time.Minute,
				QuoteCacheTTL: 30 * time.Minute,
			},
			Yahoo: YahooSourceConfig{
				ChartURL:        "https://query1.finance.yahoo.com/v8/finance/chart/%s",
				FuturesSymbol:   "SIH26.CMX",
				FxSymbol:        "CNY=X",
				FallbackCnyRate: 7.25,
			},
			IShares: ISharesSourceConfig{
				URL:      "https://www.ishares.com/us/products/239855/ishares-silver-trust-fund",
				CacheTTL: 6 * time.Hour,
			},
			Cme: CmeSourceConfig{
				StocksURL:   "https://www.cmegroup.com/delivery_reports/Silver_stocks.xls",
				DailyPDFURL: "https://www.cmegroup.com/delivery_reports/MetalsIssuesAndStopsReport.pdf",
				MtdPDFURL:   "https://www.cmegroup.com/delivery_reports/MetalsIssuesAndStopsMTDReport.pdf",
				CacheTTL:    24 * time.Hour,
			},
			Shfe: ShfeSourceConfig{
				URLTemplate: "https://www.shfe.com.cn/data/dailydata/kx/kx%s.dat",
				Referer:     "https://www.shfe.com.cn/",
				ProductID:   "ag",
				Contract:    "ag2603",
				CacheTTL:    time.Hour,
			},
		},
		Report: ReportConfig{
			Families: map[string]AnchorsConfig{
				FamilyDeliveryDaily: {
					SectionStart:  "CONTRACT:",
					SectionEnds:   []string{"EXCHANGE:"},
					FamilyMarkers: []string{"SILVER FUTURES", "COMEX 5000 SILVER", "5000 SILVER"},
					TotalMarker:   "TOTAL:",
				},
				FamilyDeliveryMTD: {
					SectionStart:  "CONTRACT:",
					SectionEnds:   []string{"EXCHANGE:"},
					FamilyMarkers: []string{"SILVER FUTURES", "COMEX 5000 SILVER", "5000 SILVER"},
					TotalMarker:   "MONTH TO DATE:",
				},
			},
		},
		Store:   StoreConfig{Path: "data/market_data.db", RetentionDays: 30},
		Archive: ArchiveConfig{FlushInterval: time.Minute, MaxBufferSize: 100, Prefix: "archive"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Silverflow.Name == "" {
		return fmt.Errorf("silverflow.name is required")
	}
	if cfg.Silverflow.Version == "" {
		return fmt.Errorf("silverflow.version is required")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}
	if cfg.Snapshot.MaxWorkers <= 0 {
		return fmt.Errorf("snapshot.max_workers must be greater than 0")
	}
	if cfg.Snapshot.Interval < time.Minute {
		return fmt.Errorf("snapshot.interval must be at least 1 minute")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Store.RetentionDays <= 0 {
		return fmt.Errorf("store.retention_days must be greater than 0")
	}
	for name, anchors := range cfg.Report.Families {
		if anchors.SectionStart == "" {
			return fmt.Errorf("report.families.%s.section_start is required", name)
		}
		if len(anchors.FamilyMarkers) == 0 {
			return fmt.Errorf("report.families.%s.family_markers is required", name)
		}
	}
	if cfg.Archive.S3.Enabled && cfg.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive.s3 is enabled")
	}
	return nil
}

// Anchors returns the anchor table for a document family, falling back to
// the built-in defaults when the family is not configured.
func (c *Config) Anchors(family string) AnchorsConfig {
	if a, ok := c.Report.Families[family]; ok {
		return a
	}
	return defaultConfig().Report.Families[family]
}
