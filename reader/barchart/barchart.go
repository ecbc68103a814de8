// Package barchart scrapes quote pages for the spot, COMEX futures and
// SHFE-listed silver contracts. Quote values are embedded in the page as
// JSON fragments, so extraction is regex-based and never renders the DOM.
package barchart

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
)

var (
	lastPriceRe     = regexp.MustCompile(`"lastPrice":"?([0-9,\.]+)"?`)
	percentChangeRe = regexp.MustCompile(`"percentChange":"?(-?[0-9\.]+)"?`)
	openInterestRe  = regexp.MustCompile(`"openInterest":"?([0-9,]+)"?`)
	rawOpenIntRe    = regexp.MustCompile(`&quot;openInterest&quot;:([0-9]+)`)
	volumeRe        = regexp.MustCompile(`"volume":"?([0-9,]+)"?`)
	rawVolumeRe     = regexp.MustCompile(`&quot;volume&quot;:([0-9]+)`)
	prevCloseRe     = regexp.MustCompile(`"previousClose":"?([0-9,\.]+)"?`)

	contractCodeRe = regexp.MustCompile(`SI([FGHJKMNQUVXZ])(\d{2})`)
)

var errNoPrice = errors.New("no lastPrice value in quote page")

var monthCodes = map[string]string{
	"F": "JAN", "G": "FEB", "H": "MAR", "J": "APR", "K": "MAY", "M": "JUN",
	"N": "JUL", "Q": "AUG", "U": "SEP", "V": "OCT", "X": "NOV", "Z": "DEC",
}

// ContractCode converts an exchange symbol like SIH26 to the month-year
// code used in exchange publications, MAR26.
func ContractCode(symbol string) (string, bool) {
	m := contractCodeRe.FindStringSubmatch(symbol)
	if m == nil {
		return "", false
	}
	month, ok := monthCodes[m[1]]
	if !ok {
		return "", false
	}
	return month + m[2], true
}

// quote holds the values scraped from one quote page. Pages differ in which
// values they embed, so every field tracks its own presence.
type quote struct {
	lastPrice     float64
	hasPrice      bool
	percentChange float64
	hasPct        bool
	openInterest  float64
	hasOI         bool
	volume        float64
	hasVolume     bool
	previousClose float64
	hasPrevClose  bool
}

func parseQuote(body []byte) quote {
	text := string(body)
	var q quote

	if m := lastPriceRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.lastPrice, q.hasPrice = v, true
		}
	}
	if m := percentChangeRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.percentChange, q.hasPct = v, true
		}
	}
	if m := openInterestRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.openInterest, q.hasOI = v, true
		}
	} else if m := rawOpenIntRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.openInterest, q.hasOI = v, true
		}
	}
	if m := volumeRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.volume, q.hasVolume = v, true
		}
	} else if m := rawVolumeRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.volume, q.hasVolume = v, true
		}
	}
	if m := prevCloseRe.FindStringSubmatch(text); m != nil {
		if v, err := parseFloat(m[1]); err == nil {
			q.previousClose, q.hasPrevClose = v, true
		}
	}
	return q
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// SpotFetcher scrapes the XAG/USD spot quote page.
type SpotFetcher struct {
	client *reader.Client
	cfg    config.BarchartSourceConfig
	log    *logger.Entry
}

func NewSpotFetcher(client *reader.Client, cfg config.BarchartSourceConfig) *SpotFetcher {
	return &SpotFetcher{
		client: client,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("reader.barchart"),
	}
}

func (f *SpotFetcher) Name() string { return "barchart_spot" }

func (f *SpotFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	body, err := f.client.Get(ctx, f.cfg.SpotURL, nil)
	if err != nil {
		return nil, models.NewNetworkError(f.Name(), err)
	}

	q := parseQuote(body)
	if !q.hasPrice {
		return nil, models.NewFormatError(f.Name(), errNoPrice)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["price"] = q.lastPrice
	if q.hasPct {
		r.Metrics["change_pct"] = q.percentChange
	}
	if q.hasPrevClose {
		r.Metrics["previous_close"] = q.previousClose
	}
	r.Raw = body
	f.log.WithFields(logger.Fields{"price": q.lastPrice}).Debug("fetched spot quote")
	return r, nil
}

// FuturesFetcher scrapes the tracked COMEX futures contract quote page.
type FuturesFetcher struct {
	client *reader.Client
	cfg    config.BarchartSourceConfig
	log    *logger.Entry
}

func NewFuturesFetcher(client *reader.Client, cfg config.BarchartSourceConfig) *FuturesFetcher {
	return &FuturesFetcher{
		client: client,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("reader.barchart"),
	}
}

func (f *FuturesFetcher) Name() string { return "barchart_futures" }

func (f *FuturesFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	body, err := f.client.Get(ctx, f.cfg.FuturesURL, nil)
	if err != nil {
		return nil, models.NewNetworkError(f.Name(), err)
	}

	q := parseQuote(body)
	if !q.hasPrice {
		return nil, models.NewFormatError(f.Name(), errNoPrice)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["price"] = q.lastPrice
	if q.hasOI {
		r.Metrics["open_interest"] = q.openInterest
	}
	if q.hasVolume {
		r.Metrics["volume"] = q.volume
	}
	if q.hasPct {
		r.Metrics["change_pct"] = q.percentChange
	}
	if q.hasPrevClose {
		r.Metrics["previous_close"] = q.previousClose
	}
	r.Meta = map[string]string{"symbol": f.cfg.FuturesSymbol}
	if code, ok := ContractCode(f.cfg.FuturesSymbol); ok {
		r.Meta["contract_code"] = code
	}
	r.Raw = body
	f.log.WithFields(logger.Fields{"symbol": f.cfg.FuturesSymbol, "price": q.lastPrice}).Debug("fetched futures quote")
	return r, nil
}

// ShfeQuoteFetcher scrapes the SHFE-listed contract's quote page. The price
// is quoted in CNY per kilogram; currency conversion happens downstream
// where the FX rate is known.
type ShfeQuoteFetcher struct {
	client *reader.Client
	cfg    config.BarchartSourceConfig
	log    *logger.Entry
}

func NewShfeQuoteFetcher(client *reader.Client, cfg config.BarchartSourceConfig) *ShfeQuoteFetcher {
	return &ShfeQuoteFetcher{
		client: client,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("reader.barchart"),
	}
}

func (f *ShfeQuoteFetcher) Name() string { return "barchart_shfe" }

func (f *ShfeQuoteFetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	body, err := f.client.Get(ctx, f.cfg.ShfeURL, nil)
	if err != nil {
		return nil, models.NewNetworkError(f.Name(), err)
	}

	q := parseQuote(body)
	if !q.hasPrice {
		return nil, models.NewFormatError(f.Name(), errNoPrice)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["price_cny"] = q.lastPrice
	if q.hasOI {
		r.Metrics["open_interest"] = q.openInterest
	}
	if q.hasVolume {
		r.Metrics["volume"] = q.volume
	}
	if q.hasPct {
		r.Metrics["change_pct"] = q.percentChange
	}
	r.Meta = map[string]string{"contract": f.cfg.ShfeContract}
	r.Raw = body
	f.log.WithFields(logger.Fields{"contract": f.cfg.ShfeContract, "price_cny": q.lastPrice}).Debug("fetched shfe quote")
	return r, nil
}
