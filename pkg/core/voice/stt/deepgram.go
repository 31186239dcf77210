package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const (
	deepgramEndpoint     = "wss://api.deepgram.com/v1/listen"
	deepgramDefaultModel = "nova-3"
	deepgramKeepAlive    = 5 * time.Second
)

type DeepgramConfig struct {
	APIKey   string
	Endpoint string
	Dialer   *websocket.Dialer
	// EndpointingMS is the silence Deepgram waits before speech_final.
	EndpointingMS int
	// UtteranceEndMS enables UtteranceEnd events as a second end signal.
	UtteranceEndMS int
}

type DeepgramProvider struct {
	apiKey         string
	endpoint       string
	dialer         *websocket.Dialer
	endpointingMS  int
	utteranceEndMS int
}

func NewDeepgram(cfg DeepgramConfig) *DeepgramProvider {
	p := &DeepgramProvider{
		apiKey:         cfg.APIKey,
		endpoint:       cfg.Endpoint,
		dialer:         cfg.Dialer,
		endpointingMS:  cfg.EndpointingMS,
		utteranceEndMS: cfg.UtteranceEndMS,
	}
	if p.endpoint == "" {
		p.endpoint = deepgramEndpoint
	}
	if p.endpointingMS <= 0 {
		p.endpointingMS = 300
	}
	if p.utteranceEndMS <= 0 {
		p.utteranceEndMS = 1000
	}
	return p
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) listenURL(cfg Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = deepgramDefaultModel
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.Language)
	if cfg.Encoding != "" && cfg.Encoding != "auto" {
		q.Set("encoding", deepgramEncoding(cfg.Encoding))
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.Itoa(p.endpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(p.utteranceEndMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func deepgramEncoding(enc string) string {
	switch enc {
	case "pcm_s16le":
		return "linear16"
	case "pcm_mulaw":
		return "mulaw"
	case "pcm_alaw":
		return "alaw"
	default:
		return enc
	}
}

func (p *DeepgramProvider) Connect(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	cfg = cfg.withDefaults()

	rawURL, err := p.listenURL(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := dial(ctx, p.dialer, p.Name(), rawURL, http.Header{"Authorization": {"Token " + p.apiKey}})
	if err != nil {
		return nil, err
	}

	s := newWSSession(p.Name(), conn, decodeDeepgram, func(c *websocket.Conn) error {
		return c.WriteJSON(deepgramControl{Type: string(api.TypeCloseStreamResponse)})
	})
	s.keepAlive(deepgramKeepAlive, func(c *websocket.Conn) error {
		return c.WriteJSON(deepgramControl{Type: "KeepAlive"})
	})
	return s, nil
}

type deepgramControl struct {
	Type string `json:"type"`
}

type deepgramError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
}

func decodeDeepgram(data []byte) ([]Event, bool) {
	var env deepgramControl
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}

	switch api.TypeResponse(env.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, false
		}
		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		var events []Event
		switch {
		case resp.IsFinal && transcript != "":
			events = append(events, Event{Kind: EventFinal, Text: transcript})
		case !resp.IsFinal && transcript != "":
			events = append(events, Event{Kind: EventPartial, Text: transcript})
		}
		if resp.SpeechFinal {
			events = append(events, Event{Kind: EventEndpoint})
		}
		return events, false

	case api.TypeUtteranceEndResponse:
		return []Event{{Kind: EventEndpoint}}, false

	case api.TypeCloseStreamResponse:
		return []Event{{Kind: EventFinished}}, true

	case "Error":
		var e deepgramError
		_ = json.Unmarshal(data, &e)
		msg := e.Description
		if msg == "" {
			msg = e.Message
		}
		return []Event{{Kind: EventError, Err: &ProviderError{Provider: "deepgram", Message: msg}}}, true
	}
	return nil, false
}
