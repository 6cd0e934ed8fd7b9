// Package gdelt provides client functionality for the GDELT document API.
package gdelt

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
	defaultBaseURL = "https://api.gdeltproject.org/api/v2/doc/doc"
	requestTimeout = 30 * time.Second

	// seenDateLayout is GDELT's YYYYMMDDHHMMSS, UTC.
	seenDateLayout = "20060102150405"
)

// Article is one news item from an ArtList query. Articles whose seendate
// does not parse are dropped rather than guessed at.
type Article struct {
	SeenDate time.Time
	Domain   string
	URL      string
	Tone     float64
	Themes   string
}

// Client talks to the GDELT doc API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
}

// NewClient creates a GDELT client. The API is unauthenticated.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		log:        log.With().Str("client", "gdelt").Logger(),
	}
}

// SetBaseURL redirects requests, for tests.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

// FetchNews queries articles matching query within [start, end]. Zero times
// leave the window open on that side.
func (c *Client) FetchNews(ctx context.Context, query string, maxRecords int, start, end time.Time) ([]Article, error) {
	if maxRecords <= 0 {
		maxRecords = 250
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("mode", "ArtList")
	params.Set("format", "json")
	params.Set("maxrecords", strconv.Itoa(maxRecords))
	params.Set("sort", "HybridRel")
	if !start.IsZero() {
		params.Set("startdatetime", start.UTC().Format(seenDateLayout))
	}
	if !end.IsZero() {
		params.Set("enddatetime", end.UTC().Format(seenDateLayout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gdelt request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gdelt returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Articles []struct {
			SeenDate string          `json:"seendate"`
			Domain   string          `json:"domain"`
			URL      string          `json:"url"`
			Tone     json.RawMessage `json:"tone"`
			Themes   json.RawMessage `json:"themes"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode gdelt response: %w", err)
	}

	out := make([]Article, 0, len(payload.Articles))
	for _, raw := range payload.Articles {
		seen, err := time.Parse(seenDateLayout, raw.SeenDate)
		if err != nil {
			c.log.Debug().Str("seendate", raw.SeenDate).Msg("dropping article with unparseable seendate")
			continue
		}
		out = append(out, Article{
			SeenDate: seen.UTC(),
			Domain:   raw.Domain,
			URL:      raw.URL,
			Tone:     parseTone(raw.Tone),
			Themes:   parseThemes(raw.Themes),
		})
	}
	return out, nil
}

// parseTone accepts GDELT's tone as either a JSON number or a string.
func parseTone(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var numeric float64
	if err := json.Unmarshal(raw, &numeric); err == nil {
		return numeric
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if v, err := strconv.ParseFloat(text, 64); err == nil {
			return v
		}
	}
	return 0
}

// parseThemes accepts themes as either a string or a list of strings.
func parseThemes(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ";")
	}
	return ""
}
