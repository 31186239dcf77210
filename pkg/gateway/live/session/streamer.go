package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
	"github.com/vango-go/vai-live/pkg/turnlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const turnRecordTimeout = 2 * time.Second

// turn is one utterance-to-reply cycle. generation and utterance never change
// after creation.
type turn struct {
	generation uint64
	utterance  string
	started    time.Time
	cancel     context.CancelFunc

	// Written by the streamer goroutine only.
	firstToken time.Duration

	firstAudioOnce sync.Once
	firstAudio     atomic.Int64
	audioBytes     atomic.Int64
}

// finalizeUtterance is called by the event loop at every end of utterance.
// Blank utterances start nothing.
func (s *LiveSession) finalizeUtterance(text string) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	s.interruptInProgress = false
	if text == "" {
		if s.state == StateListening {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return
	}

	prevTTS, prevCancel := s.activeTTS, s.turnCancel
	gen := s.seq.Bump()
	s.history.appendUser(text)
	ctx, cancel := s.newTurnContext()
	s.activeTTS = nil
	s.turnCancel = cancel
	s.state = StateThinking
	s.turnWG.Add(1)
	s.mu.Unlock()

	if prevCancel != nil {
		s.closeTTS(prevTTS)
		prevCancel()
		s.sendNewTurn()
	}

	t := &turn{
		generation: gen,
		utterance:  text,
		started:    s.now(),
		cancel:     cancel,
	}
	s.logger.Debug("utterance finalized", "generation", gen, "chars", len(text))
	go s.runTurn(ctx, t)
}

func (s *LiveSession) runTurn(ctx context.Context, t *turn) {
	defer s.turnWG.Done()
	defer t.cancel()

	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.sessionID),
		attribute.Int64("turn.generation", int64(t.generation)),
		attribute.Int("turn.utterance_chars", len(t.utterance)),
	))
	defer span.End()

	outcome, err := s.streamTurn(ctx, t)
	span.SetAttributes(attribute.String("turn.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("turn abandoned", "generation", t.generation, "error", err)
	}
	s.recordTurn(t, outcome)
}

// streamTurn runs the reply pipeline. Every return path after a suspension
// re-checks liveness; a stale turn never touches history or state.
func (s *LiveSession) streamTurn(ctx context.Context, t *turn) (turnlog.Outcome, error) {
	fail := func(err error) (turnlog.Outcome, error) {
		if !s.seq.IsLive(t.generation) {
			return s.staleOutcome(t), nil
		}
		s.abandon(t)
		return turnlog.OutcomeFailed, err
	}

	ttsCtx, err := s.tts.NewStreamingContext(ctx, s.cfg.TTS)
	if err != nil {
		return fail(fmt.Errorf("open tts: %w", err))
	}

	fwd := make(chan error, 1)
	defer func() {
		s.closeTTS(ttsCtx)
		if fwd != nil {
			<-fwd
		}
	}()

	msgs, ok := s.activate(t, ttsCtx)
	if !ok {
		fwd = nil
		return s.staleOutcome(t), nil
	}
	go func() { fwd <- s.forwardAudio(t, ttsCtx) }()

	stream, err := s.llm.Stream(ctx, msgs, s.cfg.LLM)
	if err != nil {
		return fail(fmt.Errorf("open llm stream: %w", err))
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		if !s.seq.IsLive(t.generation) {
			return s.staleOutcome(t), nil
		}
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("llm stream: %w", err))
		}
		if !s.seq.IsLive(t.generation) {
			return s.staleOutcome(t), nil
		}
		if t.firstToken == 0 {
			t.firstToken = s.now().Sub(t.started)
		}
		reply.WriteString(delta)
		if err := ttsCtx.SendText(delta, false); err != nil {
			return fail(fmt.Errorf("send tts text: %w", err))
		}
	}

	if !s.seq.IsLive(t.generation) {
		return s.staleOutcome(t), nil
	}
	if err := ttsCtx.Flush(); err != nil {
		return fail(fmt.Errorf("flush tts: %w", err))
	}

	select {
	case err := <-fwd:
		fwd = nil
		if err != nil {
			return fail(fmt.Errorf("forward audio: %w", err))
		}
	case <-ctx.Done():
		return fail(fmt.Errorf("await tts: %w", ctx.Err()))
	}
	if err := ttsCtx.Err(); err != nil {
		return fail(fmt.Errorf("tts: %w", err))
	}

	if !s.complete(t, reply.String()) {
		return s.staleOutcome(t), nil
	}
	return turnlog.OutcomeCompleted, nil
}

// forwardAudio relays TTS audio of one turn to the client in arrival order.
// It returns when the audio ends or the context is closed.
func (s *LiveSession) forwardAudio(t *turn, ttsCtx *tts.StreamingContext) error {
	for {
		select {
		case <-ttsCtx.Done():
			return nil
		case chunk, ok := <-ttsCtx.Audio():
			if !ok {
				return nil
			}
			if len(chunk) == 0 {
				continue
			}
			if !s.seq.IsLive(t.generation) {
				s.metrics.RecordStaleAudioDropped()
				continue
			}
			t.firstAudioOnce.Do(func() {
				d := s.now().Sub(t.started)
				t.firstAudio.Store(int64(d))
				s.metrics.RecordFirstAudio(d)
			})
			t.audioBytes.Add(int64(len(chunk)))
			if err := s.enqueueAudio(t.generation, chunk); err != nil {
				s.logger.Warn("outbound audio queue full", "generation", t.generation)
				s.interruptGeneration(interruptBackpressure, t.generation)
				return err
			}
		}
	}
}

// activate moves a live turn to SPEAKING and returns the history to answer.
func (s *LiveSession) activate(t *turn, ttsCtx *tts.StreamingContext) ([]llm.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seq.IsLive(t.generation) {
		return nil, false
	}
	s.activeTTS = ttsCtx
	s.state = StateSpeaking
	return s.history.snapshot(), true
}

func (s *LiveSession) complete(t *turn, reply string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seq.IsLive(t.generation) {
		return false
	}
	if text := strings.TrimSpace(reply); text != "" {
		s.history.appendAssistant(text)
	}
	s.activeTTS, s.turnCancel = nil, nil
	s.state = StateIdle
	return true
}

func (s *LiveSession) abandon(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seq.IsLive(t.generation) {
		return
	}
	s.activeTTS, s.turnCancel = nil, nil
	s.state = StateIdle
}

func (s *LiveSession) staleOutcome(t *turn) turnlog.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interruptedGen == t.generation {
		return turnlog.OutcomeInterrupted
	}
	return turnlog.OutcomeStale
}

func (s *LiveSession) recordTurn(t *turn, outcome turnlog.Outcome) {
	s.metrics.RecordTurn(string(outcome))

	rec := turnlog.Record{
		SessionID:      s.sessionID,
		Generation:     t.generation,
		Outcome:        outcome,
		UtteranceChars: len(t.utterance),
		FirstToken:     t.firstToken,
		FirstAudio:     time.Duration(t.firstAudio.Load()),
		Total:          s.now().Sub(t.started),
		AudioBytes:     t.audioBytes.Load(),
		CreatedAt:      t.started,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), turnRecordTimeout)
	defer cancel()
	if err := s.turns.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to record turn", "generation", t.generation, "error", err)
	}
}
