// Package ishares scrapes the silver trust product page for the metal held
// in trust. The figure appears as "Tonnes in Trust" in the page body.
package ishares

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"silverflow/config"
	"silverflow/logger"
	"silverflow/models"
	"silverflow/reader"
)

// OuncesPerTonne converts metric tonnes of silver to troy ounces.
const OuncesPerTonne = 32150.7

var tonnesRe = regexp.MustCompile(`(?s)Tonnes in Trust.*?([\d,]+\.?\d*)`)

// Fetcher reads the trust holdings page.
type Fetcher struct {
	client *reader.Client
	cfg    config.ISharesSourceConfig
	log    *logger.Entry
}

func NewFetcher(client *reader.Client, cfg config.ISharesSourceConfig) *Fetcher {
	return &Fetcher{
		client: client,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("reader.ishares"),
	}
}

func (f *Fetcher) Name() string { return "ishares_slv" }

func (f *Fetcher) Fetch(ctx context.Context) (*models.Reading, error) {
	body, err := f.client.Get(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, models.NewNetworkError(f.Name(), err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, models.NewFormatError(f.Name(), err)
	}

	tonnes, err := extractTonnes(doc.Text())
	if err != nil {
		return nil, models.NewFormatError(f.Name(), err)
	}

	r := models.NewReading(f.Name(), time.Now().UTC())
	r.Metrics["inventory_tonnes"] = tonnes
	r.Metrics["inventory_ounces"] = tonnes * OuncesPerTonne
	r.Raw = body
	f.log.WithFields(logger.Fields{"tonnes": tonnes}).Debug("fetched trust holdings")
	return r, nil
}

// extractTonnes pulls the tonnage figure from the rendered page text.
func extractTonnes(text string) (float64, error) {
	if !strings.Contains(text, "Tonnes in Trust") {
		return 0, errors.New("page layout changed: Tonnes in Trust label missing")
	}
	m := tonnesRe.FindStringSubmatch(text)
	if m == nil {
		return 0, errors.New("no tonnage figure near Tonnes in Trust label")
	}
	tonnes, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, err
	}
	return tonnes, nil
}
