package htmltable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/external/fetch"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Client scrapes a date/value table from an HTML page
// ⭐ SSOT: HTML 테이블 스크래핑은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	source     string
	baseURL    string
}

// NewClient creates an HTML table client
func NewClient(httpClient *httputil.Client, log *logger.Logger, source, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     log.WithField("adapter", "htmltable"),
		source:     source,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Name implements contracts.FetchAdapter
func (c *Client) Name() string {
	return c.source
}

// Fetch implements contracts.FetchAdapter
func (c *Client) Fetch(ctx context.Context, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	target := meta.Fetch.URL
	if target == "" {
		if c.baseURL == "" || meta.Fetch.RemoteID == "" {
			return nil, &contracts.FetchError{Source: c.source, SeriesID: meta.ID, Err: errors.New("series has no url and source has no base_url")}
		}
		target = c.baseURL + "/" + strings.TrimLeft(meta.Fetch.RemoteID, "/")
	}

	body, err := fetch.Body(ctx, c.httpClient, target, c.source, meta.ID)
	if err != nil {
		return nil, err
	}

	obs, err := Parse(body, meta, r)
	if err != nil {
		return nil, fetch.Malformed(c.source, meta.ID, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"series_id": meta.ID,
		"count":     len(obs),
	}).Debug("Scraped table observations")
	return obs, nil
}

// textDateLayouts are the human date forms seen in published tables.
var textDateLayouts = []string{"Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "2006.01.02", "Jan 2006"}

// Parse extracts rows from the first table matching meta.Fetch.Selector
// (default "table"). Date and value columns are found by header text when
// the catalog names them, else the first two cells are used.
func Parse(html []byte, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	selector := meta.Fetch.Selector
	if selector == "" {
		selector = "table"
	}
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}

	dateIdx, valueIdx := 0, 1
	var headerErr error
	table.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		th := row.Find("th")
		if th.Length() == 0 {
			return true
		}
		headers := th.Map(func(_ int, s *goquery.Selection) string { return strings.TrimSpace(s.Text()) })
		if meta.Fetch.DateColumn != "" {
			if dateIdx = indexOf(headers, meta.Fetch.DateColumn); dateIdx < 0 {
				headerErr = fmt.Errorf("column %q not found in %v", meta.Fetch.DateColumn, headers)
			}
		}
		if meta.Fetch.ValueColumn != "" {
			if valueIdx = indexOf(headers, meta.Fetch.ValueColumn); valueIdx < 0 {
				headerErr = fmt.Errorf("column %q not found in %v", meta.Fetch.ValueColumn, headers)
			}
		}
		return false
	})
	if headerErr != nil {
		return nil, headerErr
	}

	var out []contracts.RawObservation
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() <= dateIdx || cells.Length() <= valueIdx {
			return
		}

		v, ok := fetch.ParseNumber(numericText(cells.Eq(valueIdx).Text()))
		if !ok {
			return
		}
		dateText := strings.TrimSpace(cells.Eq(dateIdx).Text())
		d, err := parseTextDate(dateText)
		if err != nil {
			return
		}
		if (!r.From.IsZero() && d.Before(r.From)) || (!r.To.IsZero() && d.After(r.To)) {
			return
		}
		out = append(out, contracts.RawObservation{
			SeriesID: meta.ID,
			Date:     contracts.FormatDate(d),
			Value:    fetch.Scale(v, meta.Fetch.Scale),
		})
	})

	// tables are usually newest first
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func indexOf(headers []string, name string) int {
	for i, h := range headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// numericText drops footnote markers and spacing entities around a number.
func numericText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == ',' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseTextDate(s string) (time.Time, error) {
	for _, layout := range textDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return contracts.ParseDate(s)
}
