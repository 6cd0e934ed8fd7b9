package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchBars_FollowsPagination(t *testing.T) {
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/bars", r.URL.Path)
		assert.Equal(t, "key-id", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "10Min", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "iex", r.URL.Query().Get("feed"))

		token := r.URL.Query().Get("page_token")
		requests = append(requests, token)

		w.Header().Set("Content-Type", "application/json")
		if token == "" {
			next := "page-2"
			_ = json.NewEncoder(w).Encode(map[string]any{
				"bars": map[string][]map[string]any{
					"AAA": {{"t": "2026-03-02T09:00:00Z", "o": 100.0, "h": 101.0, "l": 99.0, "c": 100.5, "v": 1000.0, "n": 25.0, "vw": 100.2}},
				},
				"next_page_token": next,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bars": map[string][]map[string]any{
				"AAA": {{"t": "2026-03-02T09:10:00Z", "o": 100.5, "h": 102.0, "l": 100.0, "c": 101.5, "v": 1200.0, "n": 30.0, "vw": 101.0}},
			},
			"next_page_token": nil,
		})
	}))
	defer server.Close()

	client := NewClient("key-id", "secret", "iex", zerolog.Nop())
	client.SetBaseURL(server.URL)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bars, err := client.FetchBars(context.Background(), []string{"AAA"}, "10min", start, start.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"", "page-2"}, requests)
	require.Len(t, bars["AAA"], 2)
	assert.Equal(t, 100.5, bars["AAA"][0].Close)
	assert.Equal(t, 101.5, bars["AAA"][1].Close)
	assert.Equal(t, 25.0, bars["AAA"][0].TradeCount)
	assert.Equal(t, 100.2, bars["AAA"][0].VWAP)
	assert.Equal(t, start, bars["AAA"][0].Timestamp)
}

func TestFetchBars_UnsupportedTimeframe(t *testing.T) {
	client := NewClient("key-id", "secret", "", zerolog.Nop())

	_, err := client.FetchBars(context.Background(), []string{"AAA"}, "1day", time.Now(), time.Now())
	assert.Error(t, err)
}

func TestFetchBars_ErrorStatusSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"forbidden"}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient("key-id", "secret", "", zerolog.Nop())
	client.SetBaseURL(server.URL)

	_, err := client.FetchBars(context.Background(), []string{"AAA"}, "10min", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}
