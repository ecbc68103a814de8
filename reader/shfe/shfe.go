// Package shfe reads the exchange's daily market data file. The file is
// only published on trading days; a 404 means the market was closed, not
// that the source is broken.
package shfe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
)

type dailyFile struct {
	Instruments []instrument `json:"o_curinstrument"`
}

// instrument is one row of the daily file. Numeric fields arrive as either
// numbers or quoted strings depending on the day, so json.Number covers both.
type instrument struct {
	ProductID       string      `json:"PRODUCTID"`
	InstrumentID    string      `json:"INSTRUMENTID"`
	ClosePrice      json.Number `json:"CLOSEPRICE"`
	Volume          json.Number `json:"VOLUME"`
	OpenInterest    json.Number `json:"OPENINTEREST"`
	OpenInterestChg json.Number `json:"OPENINTERESTCHG"`
}

// Fetcher pulls the current day's file and extracts the configured silver
// contract.
type Fetcher struct {
	client *reader.Client
	cfg    config.ShfeSourceConfig
	now    func() time.Time
	log    *logger.Entry
}

func NewFetcher(client *reader.Client, cfg config.ShfeSourceConfig) *Fetcher {
	return &Fetcher{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.GetLogger().WithComponent("reader.shfe"),
	}
}

func (f *Fetcher) Name() string { return "shfe_daily" }

func (f *Fetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	url := fmt.Sprintf(f.cfg.URLTemplate, f.now().Format("20060102"))
	headers := map[string]string{
		"Referer": f.cfg.Referer,
		"Accept":  "application/json",
	}

	body, err := f.client.Get(ctx, url, headers)
	if err != nil {
		var se *reader.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			// No file on non-trading days.
			return nil, models.NewNotFoundError(f.Name(), err)
		}
		return nil, models.NewNetworkError(f.Name(), err)
	}

	var daily dailyFile
	if err := json.Unmarshal(body, &daily); err != nil {
		return nil, models.NewFormatError(f.Name(), err)
	}

	row, ok := f.pickContract(daily.Instruments)
	if !ok {
		return nil, models.NewNotFoundError(f.Name(),
			fmt.Errorf("no %s rows in daily file", f.cfg.ProductID))
	}

	r := models.NewReading(f.Name(), f.now().UTC())
	setNumber(r.Metrics, "price_cny", row.ClosePrice)
	setNumber(r.Metrics, "volume", row.Volume)
	setNumber(r.Metrics, "open_interest", row.OpenInterest)
	setNumber(r.Metrics, "oi_change", row.OpenInterestChg)
	r.Meta = map[string]string{"contract": strings.TrimSpace(row.InstrumentID)}
	r.Raw = body
	f.log.WithFields(logger.Fields{"contract": r.Meta["contract"]}).Debug("fetched daily file")
	return r, nil
}

// pickContract prefers the configured contract month and falls back to the
// first row of the product when that month is absent.
func (f *Fetcher) pickContract(rows []instrument) (instrument, bool) {
	var first instrument
	var haveFirst bool
	for _, row := range rows {
		if strings.TrimSpace(row.ProductID) != f.cfg.ProductID {
			continue
		}
		if strings.TrimSpace(row.InstrumentID) == f.cfg.Contract {
			return row, true
		}
		if !haveFirst {
			first = row
			haveFirst = true
		}
	}
	return first, haveFirst
}

func setNumber(metrics map[string]float64, name string, n json.Number) {
	if n.String() == "" {
		return
	}
	if v, err := n.Float64(); err == nil {
		metrics[name] = v
	}
}
