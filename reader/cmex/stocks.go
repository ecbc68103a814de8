// Package cmex reads exchange-published silver depository data: the
// warehouse stocks spreadsheet and the daily and month-to-date delivery
// reports. Spreadsheet decoding and PDF text rendering are delegated to
// injected collaborators so the fetchers stay testable with plain fixtures.
package cmex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
)

// Stocks spreadsheet row labels and the column carrying the total ounces.
const (
	labelTotalRegistered = "TOTAL REGISTERED"
	labelTotalEligible   = "TOTAL ELIGIBLE"
	totalColumn          = 7
)

// StocksFetcher reads the warehouse stocks spreadsheet and reports the
// registered and eligible totals.
type StocksFetcher struct {
	client *reader.Client
	tables reader.TableReader
	cfg    config.CmeSourceConfig
	log    *logger.Entry
}

func NewStocksFetcher(client *reader.Client, tables reader.TableReader, cfg config.CmeSourceConfig) *StocksFetcher {
	return &StocksFetcher{
		client: client,
		tables: tables,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("reader.cmex"),
	}
}

func (f *StocksFetcher) Name() string { return "cme_stocks" }

func (f *StocksFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	body, err := f.client.Get(ctx, f.cfg.StocksURL, nil)
	if err != nil {
		return nil, models.NewNetworkError(f.Name(), err)
	}

	rows, err := f.tables.Rows(ctx, body)
	if err != nil {
		return nil, models.NewFormatError(f.Name(), err)
	}

	var registered, eligible float64
	var haveRegistered, haveEligible bool
	for _, row := range rows {
		if len(row) <= totalColumn {
			continue
		}
		switch strings.TrimSpace(row[0]) {
		case labelTotalRegistered:
			registered, err = parseCell(row[totalColumn])
			if err != nil {
				return nil, models.NewFormatError(f.Name(), fmt.Errorf("registered total: %w", err))
			}
			haveRegistered = true
		case labelTotalEligible:
			eligible, err = parseCell(row[totalColumn])
			if err != nil {
				return nil, models.NewFormatError(f.Name(), fmt.Errorf("eligible total: %w", err))
			}
			haveEligible = true
		}
	}
	if !haveRegistered || !haveEligible {
		return nil, models.NewFormatError(f.Name(),
			errors.New("TOTAL REGISTERED / TOTAL ELIGIBLE rows missing from spreadsheet"))
	}

	total := registered + eligible
	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["registered"] = registered
	r.Metrics["eligible"] = eligible
	r.Metrics["total"] = total
	if total > 0 {
		r.Metrics["registered_to_total"] = registered / total
	}
	r.Raw = body
	f.log.WithFields(logger.Fields{"registered": registered, "eligible": eligible}).Debug("fetched warehouse stocks")
	return r, nil
}

func parseCell(cell string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(cell), ",", ""), 64)
}
