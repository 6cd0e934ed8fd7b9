// Package fred provides client functionality for the FRED series
// observations API.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.stlouisfed.org/fred"
	requestTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
)

// Observation is one daily value of a macro series. FRED reports missing
// values as "."; those come back with Missing set.
type Observation struct {
	SeriesID string
	Date     time.Time
	Value    float64
	Missing  bool
}

// Client talks to the FRED API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewClient creates a FRED client.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		log:        log.With().Str("client", "fred").Logger(),
	}
}

// SetBaseURL redirects requests, for tests.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

// FetchSeriesObservations returns daily observations of one series from
// start (inclusive). A zero end leaves the range open.
func (c *Client) FetchSeriesObservations(ctx context.Context, seriesID string, start, end time.Time) ([]Observation, error) {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("series_id", seriesID)
	params.Set("file_type", "json")
	params.Set("observation_start", start.UTC().Format(dateLayout))
	if !end.IsZero() {
		params.Set("observation_end", end.UTC().Format(dateLayout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/series/observations?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fred request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fred returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Observations []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		} `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode fred response: %w", err)
	}

	out := make([]Observation, 0, len(payload.Observations))
	for _, raw := range payload.Observations {
		date, err := time.Parse(dateLayout, raw.Date)
		if err != nil {
			return nil, fmt.Errorf("unparseable observation date %q: %w", raw.Date, err)
		}
		obs := Observation{SeriesID: seriesID, Date: date.UTC()}
		if raw.Value == "." {
			obs.Missing = true
		} else {
			obs.Value, err = strconv.ParseFloat(raw.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("unparseable observation value %q: %w", raw.Value, err)
			}
		}
		out = append(out, obs)
	}

	c.log.Debug().Str("series", seriesID).Int("observations", len(out)).Msg("fetched series")
	return out, nil
}
