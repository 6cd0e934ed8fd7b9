// Package sec provides client functionality for SEC EDGAR submissions.
// EDGAR requires a descriptive User-Agent identifying the caller.
package sec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://data.sec.gov"
	requestTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
)

// Filing is one regulatory filing extracted from a submissions document.
// Filing dates have day resolution; EventTime is midnight UTC of that day.
type Filing struct {
	Symbol    string
	CIK       string
	Form      string
	Accession string
	FiledAt   time.Time
}

// Submissions is the per-CIK document EDGAR serves; filings.recent holds
// parallel arrays indexed together.
type Submissions struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			AccessionNumber []string `json:"accessionNumber"`
		} `json:"recent"`
	} `json:"filings"`
}

// Client talks to EDGAR.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	log        zerolog.Logger
}

// NewClient creates an EDGAR client with the mandatory User-Agent.
func NewClient(userAgent string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		userAgent:  userAgent,
		log:        log.With().Str("client", "sec").Logger(),
	}
}

// SetBaseURL redirects requests, for tests.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

// FetchSubmissions returns the submissions document for a CIK, zero-padding
// it to EDGAR's 10-digit form.
func (c *Client) FetchSubmissions(ctx context.Context, cik string) (*Submissions, error) {
	padded := cik
	for len(padded) < 10 {
		padded = "0" + padded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/submissions/CIK%s.json", c.baseURL, padded), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edgar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("edgar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var subs Submissions
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		return nil, fmt.Errorf("failed to decode submissions: %w", err)
	}
	return &subs, nil
}

// ExtractRecentFilings flattens the columnar recent-filings arrays for one
// symbol. Rows with unparseable dates are dropped.
func (c *Client) ExtractRecentFilings(symbol, cik string, subs *Submissions) []Filing {
	recent := subs.Filings.Recent
	n := len(recent.Form)
	if len(recent.FilingDate) < n {
		n = len(recent.FilingDate)
	}
	if len(recent.AccessionNumber) < n {
		n = len(recent.AccessionNumber)
	}

	out := make([]Filing, 0, n)
	for i := 0; i < n; i++ {
		filedAt, err := time.Parse(dateLayout, recent.FilingDate[i])
		if err != nil {
			c.log.Debug().Str("filing_date", recent.FilingDate[i]).Msg("dropping filing with unparseable date")
			continue
		}
		out = append(out, Filing{
			Symbol:    symbol,
			CIK:       cik,
			Form:      recent.Form[i],
			Accession: recent.AccessionNumber[i],
			FiledAt:   filedAt.UTC(),
		})
	}
	return out
}
