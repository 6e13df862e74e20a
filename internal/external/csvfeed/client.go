package csvfeed

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/external/fetch"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Client downloads a published CSV file and extracts one date/value column pair
// ⭐ SSOT: CSV 다운로드 소스는 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	source     string
	baseURL    string
}

// NewClient creates a CSV client. baseURL is joined with fetch.remote_id when a series has no url.
func NewClient(httpClient *httputil.Client, log *logger.Logger, source, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     log.WithField("adapter", "csv"),
		source:     source,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Name implements contracts.FetchAdapter
func (c *Client) Name() string {
	return c.source
}

// Fetch implements contracts.FetchAdapter. The whole file is downloaded;
// rows outside r are dropped here.
func (c *Client) Fetch(ctx context.Context, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	target := meta.Fetch.URL
	if target == "" {
		if c.baseURL == "" || meta.Fetch.RemoteID == "" {
			return nil, &contracts.FetchError{Source: c.source, SeriesID: meta.ID, Err: errors.New("series has no url and source has no base_url")}
		}
		target = c.baseURL + "/" + meta.Fetch.RemoteID
	}

	body, err := fetch.Body(ctx, c.httpClient, target, c.source, meta.ID)
	if err != nil {
		return nil, err
	}

	obs, err := Parse(bytes.NewReader(body), meta, r)
	if err != nil {
		return nil, fetch.Malformed(c.source, meta.ID, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"series_id": meta.ID,
		"count":     len(obs),
	}).Debug("Fetched CSV observations")
	return obs, nil
}

// Parse reads a header-first CSV. Columns default to the first two when the
// catalog names none. Blank and placeholder values are skipped.
func Parse(in io.Reader, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	dateIdx, err := column(header, meta.Fetch.DateColumn, 0)
	if err != nil {
		return nil, err
	}
	valueIdx, err := column(header, meta.Fetch.ValueColumn, 1)
	if err != nil {
		return nil, err
	}

	var out []contracts.RawObservation
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		if dateIdx >= len(record) || valueIdx >= len(record) {
			continue
		}

		v, ok := fetch.ParseNumber(record[valueIdx])
		if !ok {
			continue
		}
		d, err := contracts.ParseDate(record[dateIdx])
		if err != nil {
			// left for the store to reject and log
			out = append(out, contracts.RawObservation{SeriesID: meta.ID, Date: record[dateIdx], Value: v})
			continue
		}
		if !inRange(r, d) {
			continue
		}
		out = append(out, contracts.RawObservation{
			SeriesID: meta.ID,
			Date:     contracts.FormatDate(d),
			Value:    fetch.Scale(v, meta.Fetch.Scale),
		})
	}
	return out, nil
}

func column(header []string, name string, fallback int) (int, error) {
	if name == "" {
		if fallback >= len(header) {
			return 0, fmt.Errorf("header has %d columns", len(header))
		}
		return fallback, nil
	}
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("column %q not found in header %v", name, header)
}

// inRange treats zero bounds as open.
func inRange(r contracts.DateRange, d time.Time) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}
