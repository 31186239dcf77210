// Package stt provides realtime speech-to-text sessions.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// EventKind classifies a transcript event.
type EventKind int

const (
	// EventPartial carries provisional text that may still change.
	EventPartial EventKind = iota + 1
	// EventFinal carries text the provider will not revise.
	EventFinal
	// EventEndpoint marks the end of an utterance.
	EventEndpoint
	// EventFinished acknowledges end-of-stream; the session is over.
	EventFinished
	// EventError reports a provider or transport failure; the session is over.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEndpoint:
		return "endpoint"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one upstream transcript event.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Config describes the audio a session will receive.
type Config struct {
	Model    string
	Language string
	// Encoding is "pcm_s16le" for raw PCM. Empty lets the provider detect the
	// container when it can.
	Encoding   string
	SampleRate int
	Channels   int
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Session is a single upstream streaming connection. Events is closed after
// the final EventFinished or EventError, or after Close.
type Session interface {
	SendAudio(data []byte) error
	EndOfStream() error
	Events() <-chan Event
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	Name() string
	Connect(ctx context.Context, cfg Config) (Session, error)
}

var ErrSessionClosed = errors.New("stt session closed")

// ProviderError is a failure reported by the upstream service.
type ProviderError struct {
	Provider string
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: error %d: %s", e.Provider, e.Code, e.Message)
}

// IsProviderError reports whether err wraps a ProviderError and returns it.
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
