// Package processor merges all source fetchers into periodic snapshots,
// applying per-indicator fallback, cache write-through and delta
// computation.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"silverflow/config"
	"silverflow/internal/channel"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
	"silverflow/reader/barchart"
	"silverflow/reader/cmex"
	"silverflow/reader/ishares"
	"silverflow/reader/shfe"
	"silverflow/reader/yahoo"
	"silverflow/store"
)

const (
	// OuncesPerContract is the COMEX silver contract size.
	OuncesPerContract = 5000
	// CnyKgPerOz converts a CNY-per-kilogram quote to a per-ounce quote.
	CnyKgPerOz = 32.1507
)

// SourceChain is one indicator's ordered list of sources plus its cache and
// metric-naming policy. Fetchers are tried in order; the first success is
// terminal.
type SourceChain struct {
	Indicator   string
	Fetchers    []models.Fetcher
	CacheKey    string
	CacheTTL    time.Duration
	MetricNames map[string]string
	PriceMetric string
	Enrich      func(ctx context.Context, r *models.Reading)
}

// Aggregator runs snapshot passes over every configured source chain.
type Aggregator struct {
	cfg      *config.Config
	store    *store.Store
	channels *channel.Channels
	fx       *yahoo.Client
	chains   []SourceChain
	log      *logger.Log
}

// New wires the source chains from config. The documents and tables
// collaborators decode PDF and spreadsheet bodies; channels may be nil when
// archiving is disabled.
func New(cfg *config.Config, st *store.Store, ch *channel.Channels, documents reader.DocumentTextProvider, tables reader.TableReader) *Aggregator {
	client := reader.NewClient(cfg.Reader)
	yahooClient := yahoo.NewClient(client, cfg.Sources.Yahoo)

	a := &Aggregator{
		cfg:      cfg,
		store:    st,
		channels: ch,
		fx:       yahooClient,
		log:      logger.GetLogger(),
	}
	a.chains = buildChains(cfg, client, yahooClient, documents, tables, a.convertShfePrice)
	return a
}

func buildChains(cfg *config.Config, client *reader.Client, yahooClient *yahoo.Client, documents reader.DocumentTextProvider, tables reader.TableReader, shfeEnrich func(context.Context, *models.Reading)) []SourceChain {
	return []SourceChain{
		{
			Indicator:   "spot_silver",
			Fetchers:    []models.Fetcher{barchart.NewSpotFetcher(client, cfg.Sources.Barchart)},
			CacheKey:    "spot_silver",
			CacheTTL:    cfg.Sources.Barchart.SpotCacheTTL,
			PriceMetric: "price",
			MetricNames: map[string]string{
				"price":          "XAGUSD_Spot",
				"change_pct":     "XAGUSD_Spot_Change_Pct",
				"previous_close": "XAGUSD_Spot_Prev_Close",
			},
		},
		{
			Indicator: "comex_futures",
			Fetchers: []models.Fetcher{
				barchart.NewFuturesFetcher(client, cfg.Sources.Barchart),
				yahoo.NewFuturesFetcher(yahooClient),
			},
			CacheKey:    "comex_futures",
			CacheTTL:    cfg.Sources.Barchart.QuoteCacheTTL,
			PriceMetric: "price",
			MetricNames: map[string]string{
				"price":          "COMEX_Futures_Price",
				"open_interest":  "COMEX_Futures_OI",
				"volume":         "COMEX_Futures_Volume",
				"change_pct":     "COMEX_Futures_Change_Pct",
				"previous_close": "COMEX_Futures_Prev_Close",
			},
		},
		{
			Indicator:   "slv_holdings",
			Fetchers:    []models.Fetcher{ishares.NewFetcher(client, cfg.Sources.IShares)},
			CacheKey:    "slv_holdings",
			CacheTTL:    cfg.Sources.IShares.CacheTTL,
			PriceMetric: "inventory_tonnes",
			MetricNames: map[string]string{
				"inventory_tonnes": "SLV_Tonnes",
				"inventory_ounces": "SLV_Ounces",
			},
		},
		{
			Indicator:   "comex_stocks",
			Fetchers:    []models.Fetcher{cmex.NewStocksFetcher(client, tables, cfg.Sources.Cme)},
			CacheKey:    "comex_stocks",
			CacheTTL:    cfg.Sources.Cme.CacheTTL,
			PriceMetric: "registered",
			MetricNames: map[string]string{
				"registered":          "COMEX_Silver_Registered",
				"eligible":            "COMEX_Silver_Eligible",
				"total":               "COMEX_Silver_Total",
				"registered_to_total": "COMEX_Registered_Ratio",
			},
		},
		{
			Indicator:   "delivery_daily",
			Fetchers:    []models.Fetcher{cmex.NewDailyDeliveryFetcher(client, documents, cfg.Anchors(config.FamilyDeliveryDaily), cfg.Sources.Cme)},
			CacheKey:    "delivery_daily",
			CacheTTL:    cfg.Sources.Cme.CacheTTL,
			PriceMetric: "issued",
			MetricNames: map[string]string{
				"issued":  "COMEX_Deliveries_Issued",
				"stopped": "COMEX_Deliveries_Stopped",
			},
		},
		{
			Indicator:   "delivery_mtd",
			Fetchers:    []models.Fetcher{cmex.NewMtdDeliveryFetcher(client, documents, cfg.Anchors(config.FamilyDeliveryMTD), cfg.Sources.Cme)},
			CacheKey:    "delivery_mtd",
			CacheTTL:    cfg.Sources.Cme.CacheTTL,
			PriceMetric: "mtd_issued",
			MetricNames: map[string]string{
				"mtd_issued":     "COMEX_Deliveries_MTD_Issued",
				"mtd_stopped":    "COMEX_Deliveries_MTD_Stopped",
				"mtd_cumulative": "COMEX_Deliveries_MTD_Cumulative",
				"latest_daily":   "COMEX_Deliveries_Latest_Daily",
			},
		},
		{
			Indicator: "shfe_silver",
			Fetchers: []models.Fetcher{
				shfe.NewFetcher(client, cfg.Sources.Shfe),
				barchart.NewShfeQuoteFetcher(client, cfg.Sources.Barchart),
			},
			CacheKey:    "shfe_silver",
			CacheTTL:    cfg.Sources.Shfe.CacheTTL,
			PriceMetric: "price_cny",
			Enrich:      shfeEnrich,
			MetricNames: map[string]string{
				"price_cny":     "SHFE_Silver_Price_CNY",
				"price_usd":     "SHFE_Silver_Price_USD",
				"volume":        "SHFE_Silver_Volume",
				"open_interest": "SHFE_Silver_OI",
				"oi_change":     "SHFE_Silver_OI_Change",
			},
		},
	}
}

// convertShfePrice adds a USD-per-ounce conversion of the CNY-per-kg quote,
// falling back to the configured static rate when the FX fetch fails.
func (a *Aggregator) convertShfePrice(ctx context.Context, r *models.Reading) {
	cny, ok := r.Metric("price_cny")
	if !ok || cny <= 0 {
		return
	}
	rate, err := a.fx.FxRate(ctx)
	if err != nil || rate <= 0 {
		rate = a.cfg.Sources.Yahoo.FallbackCnyRate
		a.log.WithComponent("snapshot").WithError(err).WithFields(logger.Fields{
			"fallback_rate": rate,
		}).Warn("fx rate fetch failed, using fallback rate")
	}
	if rate <= 0 {
		return
	}
	r.Metrics["price_usd"] = cny / rate / CnyKgPerOz
}

// RunSnapshot executes one aggregation pass across all chains with a
// bounded worker pool. force bypasses cache-read TTLs. One chain's failure
// never fails the snapshot; the worst it can do is an Absent entry.
func (a *Aggregator) RunSnapshot(ctx context.Context, force bool) *models.Snapshot {
	started := time.Now().UTC()
	snap := &models.Snapshot{
		ID:         uuid.NewString(),
		StartedAt:  started,
		Indicators: make(map[string]models.IndicatorResult, len(a.chains)),
		Derived:    make(map[string]float64),
		Deltas:     make(map[string]float64),
	}

	workers := a.cfg.Snapshot.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(a.chains) {
		workers = len(a.chains)
	}

	jobs := make(chan SourceChain, len(a.chains))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chain := range jobs {
				result := a.runChain(ctx, chain, force)
				mu.Lock()
				snap.Indicators[chain.Indicator] = result
				mu.Unlock()
			}
		}()
	}

	for _, chain := range a.chains {
		jobs <- chain
	}
	close(jobs)
	wg.Wait()

	a.addDerived(snap)
	a.addDeltas(snap)
	snap.FinishedAt = time.Now().UTC()

	logger.IncrementSnapshotRun()
	entry := a.log.WithComponent("snapshot")
	logger.LogPerformanceEntry(entry, "snapshot", "run", snap.FinishedAt.Sub(started), logger.Fields{
		"snapshot_id": snap.ID,
		"indicators":  len(snap.Indicators),
		"forced":      force,
	})

	return snap
}

// runChain walks one indicator's fallback ladder: fresh cache, then each
// source in order, then stale cache.
func (a *Aggregator) runChain(ctx context.Context, chain SourceChain, force bool) models.IndicatorResult {
	log := a.log.WithComponent("snapshot").WithFields(logger.Fields{"indicator": chain.Indicator})

	if !force && chain.CacheKey != "" && chain.CacheTTL > 0 {
		if data, age, ok := a.store.GetCache(chain.CacheKey, chain.CacheTTL); ok {
			var cached models.Reading
			if err := json.Unmarshal([]byte(data), &cached); err == nil {
				return models.IndicatorResult{
					Indicator: chain.Indicator,
					Status:    models.StatusSuccess,
					Source:    cached.Source,
					Reading:   &cached,
					Age:       age,
				}
			}
			log.Warn("discarding undecodable cache entry")
		}
	}

	var lastErr error
	for _, fetcher := range chain.Fetchers {
		reading, err := fetcher.Fetch(ctx)
		if err == nil {
			if chain.Enrich != nil {
				chain.Enrich(ctx, reading)
			}
			a.persist(ctx, chain, reading)
			return models.IndicatorResult{
				Indicator: chain.Indicator,
				Status:    models.StatusSuccess,
				Source:    fetcher.Name(),
				Reading:   reading,
			}
		}

		if models.IsNotFound(err) {
			// Legitimate absence (market holiday, nothing published
			// yet). A valid empty result, terminal for the chain.
			log.WithFields(logger.Fields{"source": fetcher.Name()}).Info("source reports no data for the period")
			return models.IndicatorResult{
				Indicator: chain.Indicator,
				Status:    models.StatusSuccess,
				Source:    fetcher.Name(),
				Reading:   models.NewReading(fetcher.Name(), time.Now().UTC()),
				Reason:    "no data published for the period",
			}
		}

		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"source": fetcher.Name()}).Warn("source fetch failed")
		if !models.FallbackEligible(err) {
			break
		}
	}

	if chain.CacheKey != "" {
		if data, age, ok := a.store.GetCacheStale(chain.CacheKey); ok {
			var cached models.Reading
			if err := json.Unmarshal([]byte(data), &cached); err == nil {
				log.WithFields(logger.Fields{"age": age.String()}).Warn("all sources failed, serving stale cache")
				return models.IndicatorResult{
					Indicator: chain.Indicator,
					Status:    models.StatusDegraded,
					Source:    cached.Source,
					Reading:   &cached,
					Age:       age,
					Reason:    "all live sources failed",
				}
			}
		}
	}

	reason := "all sources failed, no cached value"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	log.Error("indicator absent from snapshot")
	return models.IndicatorResult{
		Indicator: chain.Indicator,
		Status:    models.StatusAbsent,
		Reason:    reason,
	}
}

// persist writes a live reading through the metric store, the cache, the
// raw-records table and the archive channel. Storage failures are logged
// and contained.
func (a *Aggregator) persist(ctx context.Context, chain SourceChain, reading *models.Reading) {
	log := a.log.WithComponent("snapshot").WithFields(logger.Fields{"indicator": chain.Indicator})

	metrics := make(map[string]any, len(chain.MetricNames))
	for key, name := range chain.MetricNames {
		if v, ok := reading.Metric(key); ok {
			metrics[name] = v
		}
	}
	if len(metrics) > 0 {
		if err := a.store.AppendMetrics(reading.Timestamp, metrics); err != nil {
			log.WithError(err).Error("failed to append metrics")
		}
	}

	if chain.CacheKey != "" {
		if data, err := json.Marshal(reading); err == nil {
			if err := a.store.SetCache(chain.CacheKey, string(data)); err != nil {
				log.WithError(err).Error("failed to cache reading")
			}
		}
	}

	price, _ := reading.Metric(chain.PriceMetric)
	msg := models.RawRecordMessage{
		Source:    reading.Source,
		Indicator: chain.Indicator,
		Price:     price,
		Timestamp: reading.Timestamp,
		Data:      reading.Raw,
	}
	if err := a.store.InsertRecord(msg); err != nil {
		log.WithError(err).Error("failed to insert raw record")
	}
	if a.channels != nil {
		a.channels.SendRaw(ctx, msg)
	}
}

// addDerived computes cross-indicator ratios, omitting any whose operands
// are missing.
func (a *Aggregator) addDerived(snap *models.Snapshot) {
	registered, haveRegistered := snapshotMetric(snap, "comex_stocks", "registered")
	total, haveTotal := snapshotMetric(snap, "comex_stocks", "total")
	oi, haveOI := snapshotMetric(snap, "comex_futures", "open_interest")
	slvOunces, haveSlv := snapshotMetric(snap, "slv_holdings", "inventory_ounces")

	if haveRegistered && haveTotal && total > 0 {
		snap.Derived["Registered_to_Total"] = registered / total
	}
	if haveOI && haveRegistered && registered > 0 {
		snap.Derived["Paper_to_Physical"] = oi * OuncesPerContract / registered
	}
	if haveRegistered && haveSlv && slvOunces > 0 {
		snap.Derived["SLV_Coverage"] = registered / slvOunces
	}
}

var deltaMetrics = []string{
	"XAGUSD_Spot",
	"COMEX_Futures_Price",
	"COMEX_Futures_OI",
	"COMEX_Silver_Registered",
	"COMEX_Silver_Eligible",
	"SLV_Ounces",
	"SHFE_Silver_Price_CNY",
	"SHFE_Silver_OI",
}

// addDeltas attaches period-over-period changes for the headline metrics.
// Metrics with fewer than two distinct observations are omitted.
func (a *Aggregator) addDeltas(snap *models.Snapshot) {
	for _, name := range deltaMetrics {
		delta, ok, err := a.store.Delta(name)
		if err != nil {
			a.log.WithComponent("snapshot").WithError(err).WithFields(logger.Fields{
				"metric": name,
			}).Warn("delta computation failed")
			continue
		}
		if ok {
			snap.Deltas[name] = delta
		}
	}
}

// GetDelta exposes the stored delta for a single metric.
func (a *Aggregator) GetDelta(name string) (float64, bool) {
	delta, ok, err := a.store.Delta(name)
	if err != nil {
		a.log.WithComponent("snapshot").WithError(err).Warn("delta lookup failed")
		return 0, false
	}
	return delta, ok
}

// GetHistory exposes the trailing days of stored observations for a single
// metric, oldest first.
func (a *Aggregator) GetHistory(name string, days int) []models.MetricPoint {
	points, err := a.store.History(name, days)
	if err != nil {
		a.log.WithComponent("snapshot").WithError(err).Warn("history lookup failed")
		return nil
	}
	return points
}

func snapshotMetric(snap *models.Snapshot, indicator, key string) (float64, bool) {
	result := snap.Result(indicator)
	if result.Status == models.StatusAbsent || result.Reading == nil {
		return 0, false
	}
	return result.Reading.Metric(key)
}
