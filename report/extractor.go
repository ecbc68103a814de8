// Package report extracts delivery data from the plain-text rendering of
// exchange issues-and-stops reports. The documents are positional text, not
// tables, so extraction is anchored on literal markers supplied by config.
package report

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"silverflow/config"
	"silverflow/models"
)

// ErrSectionNotFound reports that no section heading matched the target
// contract. The usual cause is a holiday or weekend edition of the report,
// so callers treat it as an empty result rather than a failure.
var ErrSectionNotFound = errors.New("contract section not found")

// ParseError reports a section that was located but whose body did not match
// the expected row shape. Unlike ErrSectionNotFound this indicates upstream
// format drift and makes the fetch eligible for fallback.
type ParseError struct {
	Label  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("report section %q: %s", e.Label, e.Reason)
}

var (
	rowPattern      = regexp.MustCompile(`(\d{1,2}/\d{1,2}/\d{4})\s+([0-9,]+)\s+([0-9,]+)`)
	datePattern     = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}`)
	businessDateRe  = regexp.MustCompile(`BUSINESS DATE:\s*(\d{1,2}/\d{1,2}/\d{4})`)
	reportMonthRe   = regexp.MustCompile(`(?i)(JANUARY|FEBRUARY|MARCH|APRIL|MAY|JUNE|JULY|AUGUST|SEPTEMBER|OCTOBER|NOVEMBER|DECEMBER)\s+(\d{4})`)
	groupedNumberRe = `([0-9,]+)`
)

// AggregateTotals is the summed trailing totals across every section of a
// document family. Single-number total lines count toward both columns.
type AggregateTotals struct {
	Issued   int64
	Stopped  int64
	Sections int
}

// Extractor locates contract sections inside report text using the anchor
// table of one document family.
type Extractor struct {
	anchors  config.AnchorsConfig
	totalsRe *regexp.Regexp
}

// New builds an extractor for a document family.
func New(anchors config.AnchorsConfig) *Extractor {
	markers := make([]string, 0, len(anchors.FamilyMarkers))
	for _, m := range anchors.FamilyMarkers {
		markers = append(markers, regexp.QuoteMeta(m))
	}
	pattern := fmt.Sprintf(`(?is)(?:%s).*?%s\s*%s(?:\s+%s)?`,
		strings.Join(markers, "|"),
		regexp.QuoteMeta(anchors.TotalMarker),
		groupedNumberRe,
		groupedNumberRe,
	)
	return &Extractor{
		anchors:  anchors,
		totalsRe: regexp.MustCompile(pattern),
	}
}

// ExtractDeliveryRows returns the dated delivery rows of the section whose
// heading line contains targetLabel. A heading with no dated rows is a valid
// empty result. A heading whose body contains dates that do not fit the row
// shape reports a ParseError.
func (e *Extractor) ExtractDeliveryRows(text, targetLabel string) ([]models.DeliveryRow, error) {
	sec, err := e.FindSection(text, targetLabel)
	if err != nil {
		return nil, err
	}
	section := text[sec.StartOffset:sec.EndOffset]

	matches := rowPattern.FindAllStringSubmatch(section, -1)
	if len(matches) == 0 {
		if datePattern.MatchString(section) {
			return nil, &ParseError{Label: targetLabel, Reason: "dated lines present but no row matched the expected shape"}
		}
		return []models.DeliveryRow{}, nil
	}

	rows := make([]models.DeliveryRow, 0, len(matches))
	for _, m := range matches {
		intentDate, err := time.ParseInLocation("1/2/2006", m[1], time.UTC)
		if err != nil {
			return nil, &ParseError{Label: targetLabel, Reason: fmt.Sprintf("invalid intent date %q", m[1])}
		}
		daily, err := parseGroupedInt(m[2])
		if err != nil {
			return nil, &ParseError{Label: targetLabel, Reason: fmt.Sprintf("invalid daily total %q", m[2])}
		}
		cumulative, err := parseGroupedInt(m[3])
		if err != nil {
			return nil, &ParseError{Label: targetLabel, Reason: fmt.Sprintf("invalid cumulative total %q", m[3])}
		}
		rows = append(rows, models.DeliveryRow{
			IntentDate:      intentDate,
			DailyTotal:      daily,
			CumulativeTotal: cumulative,
		})
	}
	return rows, nil
}

// ExtractAggregateTotals sums the totals trailing every family-marker
// section in the document. Contracts for several delivery months repeat the
// marker, so the sums cover all of them.
func (e *Extractor) ExtractAggregateTotals(text string) (AggregateTotals, error) {
	var totals AggregateTotals
	for _, m := range e.totalsRe.FindAllStringSubmatch(text, -1) {
		issued, err := parseGroupedInt(m[1])
		if err != nil {
			return AggregateTotals{}, &ParseError{Label: e.anchors.TotalMarker, Reason: fmt.Sprintf("invalid total %q", m[1])}
		}
		stopped := issued
		if m[2] != "" {
			stopped, err = parseGroupedInt(m[2])
			if err != nil {
				return AggregateTotals{}, &ParseError{Label: e.anchors.TotalMarker, Reason: fmt.Sprintf("invalid total %q", m[2])}
			}
		}
		totals.Issued += issued
		totals.Stopped += stopped
		totals.Sections++
	}
	if totals.Sections == 0 {
		return AggregateTotals{}, ErrSectionNotFound
	}
	return totals, nil
}

// FindSection locates the section whose heading line contains targetLabel
// and returns its bounds, from the heading to the next end marker or EOF.
// Start-marker hits whose own line lacks the label are skipped, which keeps
// footnote and prose mentions from hijacking the section.
func (e *Extractor) FindSection(text, targetLabel string) (models.ReportSection, error) {
	upperLabel := strings.ToUpper(targetLabel)
	offset := 0
	for {
		rel := strings.Index(text[offset:], e.anchors.SectionStart)
		if rel == -1 {
			return models.ReportSection{}, ErrSectionNotFound
		}
		start := offset + rel

		lineEnd := strings.IndexByte(text[start:], '\n')
		if lineEnd == -1 {
			lineEnd = len(text) - start
		}
		headingLine := text[start : start+lineEnd]
		if !strings.Contains(strings.ToUpper(headingLine), upperLabel) {
			offset = start + lineEnd
			continue
		}

		end := len(text)
		for _, marker := range e.anchors.SectionEnds {
			if idx := strings.Index(text[start+lineEnd:], marker); idx != -1 {
				if candidate := start + lineEnd + idx; candidate < end {
					end = candidate
				}
			}
		}
		return models.ReportSection{
			ContractLabel: targetLabel,
			StartOffset:   start,
			EndOffset:     end,
		}, nil
	}
}

// ExtractBusinessDate pulls the business-date stamp from report text.
func ExtractBusinessDate(text string) (time.Time, bool) {
	m := businessDateRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation("1/2/2006", m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ExtractReportMonth pulls the month heading, normalised to "Month YYYY".
func ExtractReportMonth(text string) (string, bool) {
	m := reportMonthRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := strings.ToUpper(m[1])
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:]) + " " + m[2], true
}

func parseGroupedInt(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}
