// Package llm defines the language-model boundary used by live voice turns and
// ships streaming providers for OpenAI-compatible endpoints and Gemini.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTemperature = 0.25
	DefaultMaxTokens   = 140
	DefaultTimeout     = 30 * time.Second

	DefaultSystemPrompt = "You are a helpful voice assistant. Answer in one short, complete paragraph. " +
		"Finish your sentence. Keep the answer simple and conversational. " +
		"If unclear, ask one clarifying question. Do not use bullet points."
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role    Role
	Content string
}

// Params are the generation parameters sent with every request.
type Params struct {
	Temperature  float32
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
}

// WithDefaults fills unset fields with the voice defaults. Zero is a valid
// temperature; only a negative one selects the default.
func (p Params) WithDefaults() Params {
	if p.Temperature < 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	return p
}

// Stream yields text increments. Next returns io.EOF once the model is done.
// A stream is not resumable; a new call to Provider.Stream starts over.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Provider opens a streaming completion for a conversation history.
type Provider interface {
	Name() string
	Stream(ctx context.Context, history []Message, params Params) (Stream, error)
}

var ErrEmptyHistory = errors.New("llm: history is empty")

func validateHistory(history []Message) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	for i, msg := range history {
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("llm: history[%d] has invalid role %q", i, msg.Role)
		}
	}
	return nil
}

// timeoutStream cancels the per-call deadline when the stream is closed.
type timeoutStream struct {
	Stream
	cancel context.CancelFunc
}

func (s *timeoutStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}
