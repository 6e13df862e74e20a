// Package fetch holds the HTTP plumbing shared by every source adapter.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
)

// MaxBodyBytes caps a single upstream response.
const MaxBodyBytes = 32 << 20

// Body GETs url and returns the body, classifying failures into FetchError.
// Network errors, 429 and 5xx are transient; other non-200 statuses are not.
func Body(ctx context.Context, client *httputil.Client, url, source, seriesID string) ([]byte, error) {
	resp, err := client.Get(ctx, url)
	if err != nil {
		return nil, &contracts.FetchError{
			Source:    source,
			SeriesID:  seriesID,
			Transient: ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &contracts.FetchError{
			Source:    source,
			SeriesID:  seriesID,
			Status:    resp.StatusCode,
			Transient: httputil.IsRetryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, &contracts.FetchError{Source: source, SeriesID: seriesID, Transient: true,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return body, nil
}

// Malformed wraps a parse failure. Upstream format changes are not retried.
func Malformed(source, seriesID string, err error) error {
	return &contracts.FetchError{Source: source, SeriesID: seriesID, Err: fmt.Errorf("malformed response: %w", err)}
}

// ParseNumber reads an upstream numeric cell. ok is false for the
// placeholders sources use for "no value" (".", "", "-", "NA", "N/A").
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", ".", "-", "NA", "N/A", "NAN", "#N/A":
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Scale applies a catalog scale factor; zero means unscaled.
func Scale(v, scale float64) float64 {
	if scale == 0 {
		return v
	}
	return v * scale
}
