// Package alpaca provides client functionality for the Alpaca Market Data
// API: historical bar fetches over HTTP and a live bar stream over
// websocket.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://data.alpaca.markets"
	requestTimeout = 30 * time.Second
	pageLimit      = 10000
)

// Bar is one OHLCV bar as the data API returns it.
type Bar struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount float64   `json:"n"`
	VWAP       float64   `json:"vw"`
}

// Client talks to the Alpaca historical data API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	secretKey  string
	feed       string
	log        zerolog.Logger
}

// NewClient creates an Alpaca data client. feed selects the data feed
// ("iex" or "sip"); empty uses the account default.
func NewClient(keyID, secretKey, feed string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		keyID:      keyID,
		secretKey:  secretKey,
		feed:       feed,
		log:        log.With().Str("client", "alpaca").Logger(),
	}
}

// SetBaseURL redirects requests, for tests against httptest servers.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

// Feed returns the configured data feed name.
func (c *Client) Feed() string { return c.feed }

// FetchBars returns bars per symbol for [start, end] at the given timeframe
// ("10min" or "1hour"), following pagination to exhaustion.
func (c *Client) FetchBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time) (map[string][]Bar, error) {
	apiTimeframe, err := mapTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]Bar, len(symbols))
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("symbols", strings.Join(symbols, ","))
		params.Set("timeframe", apiTimeframe)
		params.Set("start", start.UTC().Format(time.RFC3339))
		params.Set("end", end.UTC().Format(time.RFC3339))
		params.Set("limit", fmt.Sprintf("%d", pageLimit))
		if c.feed != "" {
			params.Set("feed", c.feed)
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}

		var page struct {
			Bars          map[string][]Bar `json:"bars"`
			NextPageToken *string          `json:"next_page_token"`
		}
		if err := c.get(ctx, "/v2/stocks/bars", params, &page); err != nil {
			return nil, err
		}
		for symbol, bars := range page.Bars {
			out[symbol] = append(out[symbol], bars...)
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	c.log.Debug().
		Str("timeframe", timeframe).
		Int("symbols", len(symbols)).
		Msg("fetched bars")
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("alpaca returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode alpaca response: %w", err)
	}
	return nil
}

func mapTimeframe(timeframe string) (string, error) {
	switch timeframe {
	case "10min":
		return "10Min", nil
	case "1hour":
		return "1Hour", nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
}
