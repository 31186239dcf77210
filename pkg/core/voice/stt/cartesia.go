package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	cartesiaEndpoint     = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion      = "2025-04-16"
	cartesiaDefaultModel = "ink-whisper"
)

type CartesiaConfig struct {
	APIKey   string
	Endpoint string
	Dialer   *websocket.Dialer
}

// CartesiaProvider streams raw PCM to Cartesia's realtime STT. Cartesia does
// not report utterance ends on its own; sessions using it depend on the
// silence endpointer.
type CartesiaProvider struct {
	apiKey   string
	endpoint string
	dialer   *websocket.Dialer
}

func NewCartesia(cfg CartesiaConfig) *CartesiaProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = cartesiaEndpoint
	}
	return &CartesiaProvider{apiKey: cfg.APIKey, endpoint: endpoint, dialer: cfg.Dialer}
}

func (c *CartesiaProvider) Name() string { return "cartesia" }

func (c *CartesiaProvider) Connect(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("cartesia api key is required")
	}
	cfg = cfg.withDefaults()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = cartesiaDefaultModel
	}
	encoding := cfg.Encoding
	if encoding == "" || encoding == "auto" {
		encoding = "pcm_s16le"
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.Language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, err := dial(ctx, c.dialer, c.Name(), u.String(), headers)
	if err != nil {
		return nil, err
	}
	return newWSSession(c.Name(), conn, decodeCartesia, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, []byte("done"))
	}), nil
}

type cartesiaSTTResponse struct {
	Type    string `json:"type"` // "transcript", "flush_done", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

func decodeCartesia(data []byte) ([]Event, bool) {
	var msg cartesiaSTTResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	switch msg.Type {
	case "transcript":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return nil, false
		}
		if msg.IsFinal {
			return []Event{{Kind: EventFinal, Text: text}}, false
		}
		return []Event{{Kind: EventPartial, Text: text}}, false
	case "done":
		return []Event{{Kind: EventFinished}}, true
	case "error":
		return []Event{{Kind: EventError, Err: &ProviderError{Provider: "cartesia", Message: msg.Error}}}, true
	}
	return nil, false
}
