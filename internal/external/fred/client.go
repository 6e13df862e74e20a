package fred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/external/fetch"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// DefaultBaseURL is the FRED REST endpoint
const DefaultBaseURL = "https://api.stlouisfed.org/fred"

// Client fetches series from the FRED observations API
// ⭐ SSOT: FRED API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	source     string
	baseURL    string
	apiKey     string
}

// NewClient creates a FRED client registered under the catalog source name.
func NewClient(httpClient *httputil.Client, log *logger.Logger, source, baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     log.WithField("adapter", "fred"),
		source:     source,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Name implements contracts.FetchAdapter
func (c *Client) Name() string {
	return c.source
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
	ErrorMessage string `json:"error_message"`
}

// Fetch implements contracts.FetchAdapter
func (c *Client) Fetch(ctx context.Context, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	if c.apiKey == "" {
		return nil, &contracts.FetchError{Source: c.source, SeriesID: meta.ID, Err: errors.New("FRED API key not configured")}
	}

	remoteID := meta.Fetch.RemoteID
	if remoteID == "" {
		remoteID = meta.ID
	}

	params := url.Values{}
	params.Set("series_id", remoteID)
	params.Set("api_key", c.apiKey)
	params.Set("file_type", "json")
	if !r.From.IsZero() {
		params.Set("observation_start", contracts.FormatDate(r.From))
	}
	if !r.To.IsZero() {
		params.Set("observation_end", contracts.FormatDate(r.To))
	}
	fullURL := fmt.Sprintf("%s/series/observations?%s", c.baseURL, params.Encode())

	body, err := fetch.Body(ctx, c.httpClient, fullURL, c.source, meta.ID)
	if err != nil {
		return nil, err
	}

	obs, err := parseObservations(body, meta)
	if err != nil {
		return nil, fetch.Malformed(c.source, meta.ID, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"series_id": meta.ID,
		"remote_id": remoteID,
		"range":     r.String(),
		"count":     len(obs),
	}).Debug("Fetched FRED observations")
	return obs, nil
}

// parseObservations converts the API payload. "." marks a missing value and is skipped.
func parseObservations(body []byte, meta contracts.SeriesMeta) ([]contracts.RawObservation, error) {
	var resp observationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorMessage != "" {
		return nil, errors.New(resp.ErrorMessage)
	}

	out := make([]contracts.RawObservation, 0, len(resp.Observations))
	for _, o := range resp.Observations {
		v, ok := fetch.ParseNumber(o.Value)
		if !ok {
			continue
		}
		out = append(out, contracts.RawObservation{
			SeriesID: meta.ID,
			Date:     o.Date,
			Value:    fetch.Scale(v, meta.Fetch.Scale),
		})
	}
	return out, nil
}
