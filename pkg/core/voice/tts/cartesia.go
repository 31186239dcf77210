package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"

	cartesiaDefaultModel = "sonic-3"
	defaultVoiceID       = "694f9389-aac1-45b6-b726-9d9369183238"
)

type CartesiaConfig struct {
	APIKey string
	// Endpoint overrides the websocket URL.
	Endpoint string
	Dialer   *websocket.Dialer
}

// CartesiaProvider streams text into Cartesia's websocket API and returns raw
// pcm_s16le audio.
type CartesiaProvider struct {
	apiKey   string
	endpoint string
	dialer   *websocket.Dialer
}

func NewCartesia(cfg CartesiaConfig) *CartesiaProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = cartesiaWSURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &CartesiaProvider{apiKey: cfg.APIKey, endpoint: endpoint, dialer: dialer}
}

func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// cartesiaStreamingRequest is one text increment on a continued context.
type cartesiaStreamingRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	ContextID        string                    `json:"context_id"`
	Continue         bool                      `json:"continue"`
	MaxBufferDelayMs int                       `json:"max_buffer_delay_ms,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	Language         string                    `json:"language,omitempty"`
}

type cartesiaWSResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c *CartesiaProvider) NewStreamingContext(ctx context.Context, opts Options) (*StreamingContext, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("cartesia api key is required")
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	baseReq := cartesiaBaseRequest(opts)
	sc := NewStreamingContext()

	var writeMu sync.Mutex
	sc.SendFunc = func(text string, isFinal bool) error {
		writeMu.Lock()
		defer writeMu.Unlock()

		req := baseReq
		req.Transcript = text
		// Continue must stay true until the final chunk, otherwise Cartesia
		// closes the context and rejects the rest.
		req.Continue = !isFinal
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("cartesia send: %w", err)
		}
		return nil
	}
	sc.CloseFunc = func() error {
		return conn.Close()
	}

	go func() {
		defer sc.FinishAudio()
		defer conn.Close()

		for {
			var msg cartesiaWSResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if sc.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					sc.SetError(ctxErr)
					return
				}
				sc.SetError(fmt.Errorf("cartesia read: %w", err))
				return
			}

			switch msg.Type {
			case "chunk":
				audio, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					sc.SetError(fmt.Errorf("decode audio: %w", err))
					return
				}
				if !sc.PushAudio(audio) {
					return
				}
			case "done":
				return
			case "flush_done", "timestamps":
			case "error":
				sc.SetError(fmt.Errorf("cartesia error: %s", msg.Error))
				return
			}
		}
	}()

	return sc, nil
}

func cartesiaBaseRequest(opts Options) cartesiaStreamingRequest {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	model := opts.Model
	if model == "" {
		model = cartesiaDefaultModel
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}
	maxBufferDelay := opts.MaxBufferDelayMs
	if maxBufferDelay == 0 {
		maxBufferDelay = 500
	}

	req := cartesiaStreamingRequest{
		ModelID: model,
		Voice:   cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		ContextID:        uuid.NewString(),
		MaxBufferDelayMs: maxBufferDelay,
		Language:         opts.Language,
	}
	if opts.Speed != 0 {
		req.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	return req
}
