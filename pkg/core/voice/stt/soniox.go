package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	sonioxEndpoint     = "wss://stt-rt.soniox.com/transcribe-websocket"
	sonioxDefaultModel = "stt-rt-preview"
	sonioxEndToken     = "<end>"
)

type SonioxConfig struct {
	APIKey string
	// Endpoint overrides the realtime websocket URL.
	Endpoint string
	Dialer   *websocket.Dialer
}

// SonioxProvider streams audio to the Soniox realtime API with endpoint
// detection enabled.
type SonioxProvider struct {
	apiKey   string
	endpoint string
	dialer   *websocket.Dialer
}

func NewSoniox(cfg SonioxConfig) *SonioxProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = sonioxEndpoint
	}
	return &SonioxProvider{apiKey: cfg.APIKey, endpoint: endpoint, dialer: cfg.Dialer}
}

func (p *SonioxProvider) Name() string { return "soniox" }

type sonioxStartRequest struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate,omitempty"`
	NumChannels             int      `json:"num_channels,omitempty"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
}

type sonioxToken struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

func (p *SonioxProvider) Connect(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, fmt.Errorf("soniox api key is required")
	}
	cfg = cfg.withDefaults()

	conn, err := dial(ctx, p.dialer, p.Name(), p.endpoint, nil)
	if err != nil {
		return nil, err
	}

	start := sonioxStartRequest{
		APIKey:                  p.apiKey,
		Model:                   cfg.Model,
		AudioFormat:             "auto",
		LanguageHints:           []string{cfg.Language},
		EnableEndpointDetection: true,
	}
	if start.Model == "" {
		start.Model = sonioxDefaultModel
	}
	if cfg.Encoding != "" && cfg.Encoding != "auto" {
		start.AudioFormat = cfg.Encoding
		start.SampleRate = cfg.SampleRate
		start.NumChannels = cfg.Channels
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("soniox send config: %w", err)
	}

	return newWSSession(p.Name(), conn, decodeSoniox, func(c *websocket.Conn) error {
		return c.WriteMessage(websocket.TextMessage, []byte{})
	}), nil
}

// decodeSoniox maps a token batch to events. Final tokens carry their own
// spacing and are concatenated as-is; the <end> token becomes an endpoint.
func decodeSoniox(data []byte) ([]Event, bool) {
	var resp sonioxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.ErrorCode != 0 || resp.ErrorMessage != "" {
		return []Event{{
			Kind: EventError,
			Err:  &ProviderError{Provider: "soniox", Code: resp.ErrorCode, Message: resp.ErrorMessage},
		}}, true
	}

	var final, partial strings.Builder
	endpoint := false
	for _, tok := range resp.Tokens {
		if tok.Text == sonioxEndToken {
			if tok.IsFinal {
				endpoint = true
			}
			continue
		}
		if tok.IsFinal {
			final.WriteString(tok.Text)
		} else {
			partial.WriteString(tok.Text)
		}
	}

	var events []Event
	if text := strings.TrimSpace(final.String()); text != "" {
		events = append(events, Event{Kind: EventFinal, Text: text})
	}
	if endpoint {
		events = append(events, Event{Kind: EventEndpoint})
	}
	if text := strings.TrimSpace(partial.String()); text != "" {
		events = append(events, Event{Kind: EventPartial, Text: text})
	}
	if resp.Finished {
		events = append(events, Event{Kind: EventFinished})
		return events, true
	}
	return events, false
}
