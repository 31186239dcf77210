// Package tts provides streaming text-to-speech contexts.
package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Provider opens one streaming context per assistant reply.
type Provider interface {
	Name() string

	// NewStreamingContext returns once the upstream channel is ready to
	// accept text.
	NewStreamingContext(ctx context.Context, opts Options) (*StreamingContext, error)
}

// Options configures a streaming context.
type Options struct {
	Voice            string  // Voice identifier
	Model            string  // Provider model or engine
	Language         string  // Language code
	SampleRate       int     // Output sample rate of raw pcm_s16le audio
	Speed            float64 // Speed multiplier, 0 keeps the provider default
	MaxBufferDelayMs int     // Max time to buffer text before generating
}

// StreamingContext manages an incremental TTS session.
// Text is sent in chunks via SendText, and audio chunks arrive on Audio.
// Audio is closed when generation is done, fails, or the context is closed;
// Err distinguishes the cases.
type StreamingContext struct {
	audio      chan []byte
	err        error
	errMu      sync.Mutex
	done       chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once

	// For implementations to use
	SendFunc  func(text string, isFinal bool) error
	CloseFunc func() error
}

// NewStreamingContext creates a new streaming context.
func NewStreamingContext() *StreamingContext {
	return &StreamingContext{
		audio: make(chan []byte, 100),
		done:  make(chan struct{}),
	}
}

// SendText sends a text chunk to be synthesized.
// Set isFinal=true for the last chunk to signal completion.
func (sc *StreamingContext) SendText(text string, isFinal bool) error {
	if sc.closed.Load() {
		return ErrContextClosed
	}
	if sc.SendFunc != nil {
		return sc.SendFunc(text, isFinal)
	}
	return nil
}

// Flush signals that all text has been sent and generation should complete.
func (sc *StreamingContext) Flush() error {
	return sc.SendText("", true)
}

// Audio returns the channel of audio chunks.
func (sc *StreamingContext) Audio() <-chan []byte {
	return sc.audio
}

// Err returns the first error recorded by the implementation.
func (sc *StreamingContext) Err() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.err
}

// Close closes the streaming context. It is safe to call more than once.
func (sc *StreamingContext) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		close(sc.done)
		if sc.CloseFunc != nil {
			err = sc.CloseFunc()
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (sc *StreamingContext) Closed() bool {
	return sc.closed.Load()
}

// Done returns a channel that's closed when the context is closed.
func (sc *StreamingContext) Done() <-chan struct{} {
	return sc.done
}

// PushAudio sends an audio chunk. Returns false if closed.
func (sc *StreamingContext) PushAudio(chunk []byte) bool {
	select {
	case sc.audio <- chunk:
		return true
	case <-sc.done:
		return false
	}
}

// SetError records err unless an error is already set.
func (sc *StreamingContext) SetError(err error) {
	if err == nil {
		return
	}
	sc.errMu.Lock()
	if sc.err == nil {
		sc.err = err
	}
	sc.errMu.Unlock()
}

// FinishAudio closes the audio channel.
func (sc *StreamingContext) FinishAudio() {
	sc.finishOnce.Do(func() { close(sc.audio) })
}

// ErrContextClosed is returned when sending to a closed context.
var ErrContextClosed = errors.New("streaming context closed")
