package handlers

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// echoSTT turns every audio chunk into a final transcript followed by an
// endpoint, so one frame drives one full turn.
type echoSTT struct {
	transcript string
}

func (p *echoSTT) Name() string { return "echo" }

func (p *echoSTT) Connect(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	return &echoSTTSession{text: p.transcript, events: make(chan stt.Event, 64)}, nil
}

type echoSTTSession struct {
	text   string
	events chan stt.Event

	mu     sync.Mutex
	closed bool
}

func (s *echoSTTSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	select {
	case s.events <- stt.Event{Kind: stt.EventFinal, Text: s.text}:
	default:
	}
	select {
	case s.events <- stt.Event{Kind: stt.EventEndpoint}:
	default:
	}
	return nil
}

func (s *echoSTTSession) EndOfStream() error { return nil }

func (s *echoSTTSession) Events() <-chan stt.Event { return s.events }

func (s *echoSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type scriptedLLM struct {
	reply string
}

func (p *scriptedLLM) Name() string { return "scripted" }

func (p *scriptedLLM) Stream(ctx context.Context, history []llm.Message, params llm.Params) (llm.Stream, error) {
	return &scriptedStream{parts: []string{p.reply}}, nil
}

type scriptedStream struct {
	parts []string
}

func (s *scriptedStream) Next() (string, error) {
	if len(s.parts) == 0 {
		return "", io.EOF
	}
	next := s.parts[0]
	s.parts = s.parts[1:]
	return next, nil
}

func (s *scriptedStream) Close() error { return nil }

// toneTTS answers the final flush with a single chunk of silence.
type toneTTS struct {
	chunk []byte
}

func (p *toneTTS) Name() string { return "tone" }

func (p *toneTTS) NewStreamingContext(ctx context.Context, opts tts.Options) (*tts.StreamingContext, error) {
	sc := tts.NewStreamingContext()
	sc.SendFunc = func(text string, isFinal bool) error {
		if isFinal {
			go func() {
				defer sc.FinishAudio()
				sc.PushAudio(p.chunk)
			}()
		}
		return nil
	}
	return sc, nil
}

func fakeProviders() upstream.Providers {
	return upstream.Providers{
		STT: &echoSTT{transcript: "what's the weather"},
		LLM: &scriptedLLM{reply: "It is sunny."},
		TTS: &toneTTS{chunk: make([]byte, 480)},
	}
}
