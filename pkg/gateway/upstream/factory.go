// Package upstream builds the speech and language model clients a live
// session talks to.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
	"github.com/vango-go/vai-live/pkg/gateway/config"
)

// Providers are process-wide; every session opens its own upstream streams
// through them.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

type Factory struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewFactory returns a factory whose clients honor the configured connect
// timeout and are traced through otelhttp.
func NewFactory(cfg config.Config) Factory {
	timeout := cfg.UpstreamConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return Factory{
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

func (f Factory) NewSTT(cfg config.Config) (stt.Provider, error) {
	switch cfg.STTProvider {
	case config.STTSoniox:
		return stt.NewSoniox(stt.SonioxConfig{APIKey: cfg.STTAPIKey, Dialer: f.Dialer}), nil
	case config.STTDeepgram:
		return stt.NewDeepgram(stt.DeepgramConfig{APIKey: cfg.STTAPIKey, Dialer: f.Dialer}), nil
	case config.STTCartesia:
		return stt.NewCartesia(stt.CartesiaConfig{APIKey: cfg.STTAPIKey, Dialer: f.Dialer}), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
	}
}

func (f Factory) NewLLM(ctx context.Context, cfg config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case config.LLMOpenAI, config.LLMAzure:
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:     cfg.LLMAPIKey,
			Model:      cfg.LLMModel,
			BaseURL:    cfg.LLMBaseURL,
			Azure:      cfg.LLMProvider == config.LLMAzure,
			APIVersion: cfg.LLMAPIVersion,
			HTTPClient: f.HTTPClient,
		})
	case config.LLMGemini:
		return llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:     cfg.LLMAPIKey,
			Model:      cfg.LLMModel,
			HTTPClient: f.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func (f Factory) NewTTS(cfg config.Config) (tts.Provider, error) {
	switch cfg.TTSProvider {
	case config.TTSCartesia:
		return tts.NewCartesia(tts.CartesiaConfig{APIKey: cfg.TTSAPIKey, Dialer: f.Dialer}), nil
	case config.TTSPolly:
		return tts.NewPolly(tts.PollyConfig{Region: cfg.AWSRegion, Engine: cfg.TTSModel}), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
}

// Build constructs all three providers or fails on the first error.
func (f Factory) Build(ctx context.Context, cfg config.Config) (Providers, error) {
	sttProvider, err := f.NewSTT(cfg)
	if err != nil {
		return Providers{}, err
	}
	llmProvider, err := f.NewLLM(ctx, cfg)
	if err != nil {
		return Providers{}, fmt.Errorf("llm: %w", err)
	}
	ttsProvider, err := f.NewTTS(cfg)
	if err != nil {
		return Providers{}, err
	}
	return Providers{STT: sttProvider, LLM: llmProvider, TTS: ttsProvider}, nil
}
