// Package yahoo reads quotes from the v8 chart API. It is the fallback
// price source for the futures contract and the FX source for converting
// CNY-quoted prices.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
)

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Client wraps chart API access for a configured endpoint template.
type Client struct {
	http *reader.Client
	cfg  config.YahooSourceConfig
	log  *logger.Entry
}

func NewClient(http *reader.Client, cfg config.YahooSourceConfig) *Client {
	return &Client{
		http: http,
		cfg:  cfg,
		log:  logger.GetLogger().WithComponent("reader.yahoo"),
	}
}

// fetchMeta pulls the chart metadata block for a symbol.
func (c *Client) fetchMeta(ctx context.Context, symbol string) (*chartResponse, []byte, error) {
	url := fmt.Sprintf(c.cfg.ChartURL, symbol) + "?interval=1d&range=1d"
	body, err := c.http.Get(ctx, url, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, nil, models.NewNetworkError("yahoo", err)
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, models.NewFormatError("yahoo", err)
	}
	if resp.Chart.Error != nil {
		return nil, nil, models.NewFormatError("yahoo",
			fmt.Errorf("chart api error: %s - %s", resp.Chart.Error.Code, resp.Chart.Error.Description))
	}
	if len(resp.Chart.Result) == 0 {
		return nil, nil, models.NewFormatError("yahoo", errors.New("no result in chart response"))
	}
	return &resp, body, nil
}

// FxRate returns the current rate for the configured FX symbol.
func (c *Client) FxRate(ctx context.Context) (float64, error) {
	resp, _, err := c.fetchMeta(ctx, c.cfg.FxSymbol)
	if err != nil {
		return 0, err
	}
	rate := resp.Chart.Result[0].Meta.RegularMarketPrice
	if rate <= 0 {
		return 0, models.NewFormatError("yahoo", errors.New("fx rate missing from chart metadata"))
	}
	return rate, nil
}

// FuturesFetcher reads the tracked futures contract quote. It serves as the
// fallback behind the primary scrape.
type FuturesFetcher struct {
	client *Client
}

func NewFuturesFetcher(client *Client) *FuturesFetcher {
	return &FuturesFetcher{client: client}
}

func (f *FuturesFetcher) Name() string { return "yahoo_futures" }

func (f *FuturesFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	resp, body, err := f.client.fetchMeta(ctx, f.client.cfg.FuturesSymbol)
	if err != nil {
		return nil, err
	}

	meta := resp.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return nil, models.NewFormatError(f.Name(), errors.New("no market price in chart metadata"))
	}

	ts := time.Now().UTC()
	if meta.RegularMarketTime > 0 {
		ts = time.Unix(meta.RegularMarketTime, 0).UTC()
	}

	r := models.NewReading(f.Name(), ts)
	r.Metrics["price"] = meta.RegularMarketPrice
	if meta.ChartPreviousClose > 0 {
		r.Metrics["previous_close"] = meta.ChartPreviousClose
		r.Metrics["change_pct"] = (meta.RegularMarketPrice - meta.ChartPreviousClose) / meta.ChartPreviousClose * 100
	}
	r.Meta = map[string]string{"symbol": meta.Symbol, "currency": meta.Currency}
	r.Raw = body
	f.client.log.WithFields(logger.Fields{"symbol": meta.Symbol, "price": meta.RegularMarketPrice}).Debug("fetched chart quote")
	return r, nil
}
