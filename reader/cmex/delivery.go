package cmex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
	"silverflow/report"
)

// silverContractLabel must appear on the section heading line for the
// per-contract delivery rows to be attributed to silver.
const silverContractLabel = "SILVER FUTURES"

// DailyDeliveryFetcher reads the daily issues-and-stops report and sums the
// issued and stopped totals across all silver contract months.
type DailyDeliveryFetcher struct {
	client    *reader.Client
	documents reader.DocumentTextProvider
	extractor *report.Extractor
	cfg       config.CmeSourceConfig
	log       *logger.Entry
}

func NewDailyDeliveryFetcher(client *reader.Client, documents reader.DocumentTextProvider, anchors config.AnchorsConfig, cfg config.CmeSourceConfig) *DailyDeliveryFetcher {
	return &DailyDeliveryFetcher{
		client:    client,
		documents: documents,
		extractor: report.New(anchors),
		cfg:       cfg,
		log:       logger.GetLogger().WithComponent("reader.cmex"),
	}
}

func (f *DailyDeliveryFetcher) Name() string { return "cme_delivery_daily" }

func (f *DailyDeliveryFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	text, raw, err := fetchReportText(ctx, f.client, f.documents, f.cfg.DailyPDFURL, f.Name())
	if err != nil {
		return nil, err
	}

	totals, err := f.extractor.ExtractAggregateTotals(text)
	if err != nil {
		return nil, classifyExtractErr(f.Name(), err)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["issued"] = float64(totals.Issued)
	r.Metrics["stopped"] = float64(totals.Stopped)
	if date, ok := report.ExtractBusinessDate(text); ok {
		r.Meta = map[string]string{"business_date": date.Format("2006-01-02")}
	}
	r.Raw = raw
	f.log.WithFields(logger.Fields{"issued": totals.Issued, "stopped": totals.Stopped, "sections": totals.Sections}).Debug("parsed daily delivery report")
	return r, nil
}

// MtdDeliveryFetcher reads the month-to-date report. Besides the summed MTD
// totals it extracts the per-day delivery rows of the tracked contract and
// reports the latest cumulative count.
type MtdDeliveryFetcher struct {
	client    *reader.Client
	documents reader.DocumentTextProvider
	extractor *report.Extractor
	cfg       config.CmeSourceConfig
	log       *logger.Entry
}

func NewMtdDeliveryFetcher(client *reader.Client, documents reader.DocumentTextProvider, anchors config.AnchorsConfig, cfg config.CmeSourceConfig) *MtdDeliveryFetcher {
	return &MtdDeliveryFetcher{
		client:    client,
		documents: documents,
		extractor: report.New(anchors),
		cfg:       cfg,
		log:       logger.GetLogger().WithComponent("reader.cmex"),
	}
}

func (f *MtdDeliveryFetcher) Name() string { return "cme_delivery_mtd" }

func (f *MtdDeliveryFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	text, raw, err := fetchReportText(ctx, f.client, f.documents, f.cfg.MtdPDFURL, f.Name())
	if err != nil {
		return nil, err
	}

	totals, err := f.extractor.ExtractAggregateTotals(text)
	if err != nil {
		return nil, classifyExtractErr(f.Name(), err)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["mtd_issued"] = float64(totals.Issued)
	r.Metrics["mtd_stopped"] = float64(totals.Stopped)

	rows, err := f.extractor.ExtractDeliveryRows(text, silverContractLabel)
	if err != nil && !errors.Is(err, report.ErrSectionNotFound) {
		return nil, classifyExtractErr(f.Name(), err)
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		r.Metrics["mtd_cumulative"] = float64(last.CumulativeTotal)
		r.Metrics["latest_daily"] = float64(last.DailyTotal)
		if encoded, err := json.Marshal(rows); err == nil {
			r.Meta = map[string]string{"delivery_rows": string(encoded)}
		}
	}
	if month, ok := report.ExtractReportMonth(text); ok {
		if r.Meta == nil {
			r.Meta = map[string]string{}
		}
		r.Meta["report_month"] = month
	}
	r.Raw = raw
	f.log.WithFields(logger.Fields{"mtd_stopped": totals.Stopped, "rows": len(rows)}).Debug("parsed mtd delivery report")
	return r, nil
}

// fetchReportText downloads a report and renders it to plain text.
func fetchReportText(ctx context.Context, client *reader.Client, documents reader.DocumentTextProvider, url, source string) (string, []byte, error) {
	raw, err := client.Get(ctx, url, nil)
	if err != nil {
		return "", nil, models.NewNetworkError(source, err)
	}
	text, err := documents.Text(ctx, raw)
	if err != nil {
		return "", nil, models.NewFormatError(source, err)
	}
	return text, raw, nil
}

// classifyExtractErr maps extractor failures to the fetch error taxonomy. A
// missing section means a holiday or empty report and must not trigger
// fallback; a parse failure means format drift and may.
func classifyExtractErr(source string, err error) error {
	if errors.Is(err, report.ErrSectionNotFound) {
		return models.NewNotFoundError(source, err)
	}
	return models.NewFormatError(source, err)
}
