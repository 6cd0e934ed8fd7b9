package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultStreamURL = "wss://stream.data.alpaca.markets/v2"

	dialTimeout        = 30 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// StreamBar is one live bar message, delivered to the handler as it closes.
type StreamBar struct {
	Symbol    string
	Bar       Bar
	Timeframe string
}

// BarHandler receives live bars; it must not block the read loop.
type BarHandler func(StreamBar)

// BarStream maintains a live bar subscription over websocket, reconnecting
// with exponential backoff. Live bars complement the HTTP poller; both feed
// the same dedup keys, so overlap is harmless.
type BarStream struct {
	url       string
	keyID     string
	secretKey string
	symbols   []string
	handler   BarHandler
	log       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
}

// NewBarStream creates a live stream client for the given feed and symbols.
func NewBarStream(keyID, secretKey, feed string, symbols []string, handler BarHandler, log zerolog.Logger) *BarStream {
	if feed == "" {
		feed = "iex"
	}
	return &BarStream{
		url:       defaultStreamURL + "/" + feed,
		keyID:     keyID,
		secretKey: secretKey,
		symbols:   symbols,
		handler:   handler,
		log:       log.With().Str("client", "alpaca_stream").Logger(),
	}
}

// SetURL redirects the stream, for tests.
func (s *BarStream) SetURL(url string) { s.url = url }

// Run connects and consumes bars until ctx is cancelled, reconnecting on
// any failure.
func (s *BarStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := time.Duration(math.Min(
			float64(baseReconnectDelay)*math.Pow(2, float64(attempt-1)),
			float64(maxReconnectDelay),
		))
		s.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *BarStream) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := wsjson.Write(ctx, conn, map[string]string{
		"action": "auth",
		"key":    s.keyID,
		"secret": s.secretKey,
	}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]any{
		"action": "subscribe",
		"bars":   s.symbols,
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.log.Info().Int("symbols", len(s.symbols)).Msg("bar stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

// streamMessage is the union shape of stream frames; only bar frames
// ("T":"b") are consumed, everything else is control chatter.
type streamMessage struct {
	Type       string    `json:"T"`
	Symbol     string    `json:"S"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount float64   `json:"n"`
	VWAP       float64   `json:"vw"`
	Timestamp  time.Time `json:"t"`
	Message    string    `json:"msg"`
}

func (s *BarStream) dispatch(data []byte) {
	var messages []streamMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		s.log.Warn().Err(err).Msg("unparseable stream frame")
		return
	}
	for _, m := range messages {
		switch m.Type {
		case "b":
			s.handler(StreamBar{
				Symbol: m.Symbol,
				Bar: Bar{
					Timestamp:  m.Timestamp,
					Open:       m.Open,
					High:       m.High,
					Low:        m.Low,
					Close:      m.Close,
					Volume:     m.Volume,
					TradeCount: m.TradeCount,
					VWAP:       m.VWAP,
				},
				Timeframe: "1min",
			})
		case "error":
			s.log.Error().Str("message", m.Message).Msg("stream error frame")
		}
	}
}
