// Package session implements one live voice conversation: it sequences
// transcription, model replies and speech for a single client socket and
// enforces hard interruption through a generation counter.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
	"github.com/vango-go/vai-live/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-live/pkg/gateway/metrics"
	"github.com/vango-go/vai-live/pkg/turnlog"
)

const (
	DefaultMinAudioFrameBytes = 12000

	outboundPriorityQueueSize = 8
)

var errBackpressure = errors.New("live outbound backpressure")

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	// MinAudioFrameBytes drops smaller binary frames (default 12000).
	MinAudioFrameBytes int
	MaxAudioFrameBytes int64
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	OutboundQueueSize  int
	// SilenceCommit finalizes an utterance after this much transcript
	// silence. Zero leaves endpointing to the STT provider.
	SilenceCommit time.Duration
	TurnTimeout   time.Duration

	STT               stt.Config
	STTBackoffInitial time.Duration
	STTBackoffMax     time.Duration
	TTS               tts.Options
	LLM               llm.Params
}

type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Metrics   *metrics.Metrics
	Turns     turnlog.Recorder
	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
}

type LiveSession struct {
	conn      Conn
	logger    *slog.Logger
	stt       stt.Provider
	llm       llm.Provider
	tts       tts.Provider
	metrics   *metrics.Metrics
	turns     turnlog.Recorder
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	seq Sequencer

	// mu guards the fields below. Generation checks that must be atomic with
	// a history or state change happen under it.
	mu                  sync.Mutex
	state               State
	history             *history
	activeTTS           *tts.StreamingContext
	turnCancel          context.CancelFunc
	interruptInProgress bool
	interruptedGen      uint64

	turnWG sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Turns == nil {
		deps.Turns = turnlog.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.MinAudioFrameBytes <= 0 {
		deps.Config.MinAudioFrameBytes = DefaultMinAudioFrameBytes
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	deps.Config.LLM = deps.Config.LLM.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		stt:              deps.STT,
		llm:              deps.LLM,
		tts:              deps.TTS,
		metrics:          deps.Metrics,
		turns:            deps.Turns,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		history:          newHistory(),
	}, nil
}

// Run drives the session until the client disconnects or Cancel is called.
// A client disconnect is not an error.
func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxAudioFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxAudioFrameBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:          s.conn,
			ctx:         s.ctx,
			cfg:         s.cfg,
			priority:    s.outboundPriority,
			normal:      s.outboundNormal,
			isStale:     func(gen uint64) bool { return !s.seq.IsLive(gen) },
			onStaleDrop: s.metrics.RecordStaleAudioDropped,
			onAudioOut:  func(n int) { s.metrics.RecordLiveAudio("out", n) },
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	link := newSTTLink(sttLinkConfig{
		Provider:       s.stt,
		STT:            s.cfg.STT,
		BackoffInitial: s.cfg.STTBackoffInitial,
		BackoffMax:     s.cfg.STTBackoffMax,
		Logger:         s.logger,
		OnReconnect:    func() { s.metrics.RecordSTTReconnect(s.stt.Name()) },
	})
	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		link.run(s.ctx)
	}()

	agg := &aggregator{}
	endpointer := newSilenceEndpointer(s.cfg.SilenceCommit)

	defer func() {
		endpointer.stop()
		s.teardown()
		s.turnWG.Wait()
		<-linkDone
		if writerErrCh != nil {
			// Let the writer send its close frame before the caller closes the socket.
			<-writerErrCh
		}
		s.logger.Info("live session closed", "generation", s.seq.Current())
	}()

	sttEvents := link.Events()
	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err, ok := <-writerErrCh:
			if !ok {
				writerErrCh = nil
				continue
			}
			if err != nil {
				s.logger.Debug("live writer stopped", "error", err)
			}
			return nil

		case in, ok := <-readCh:
			if !ok {
				return nil
			}
			if in.err != nil {
				if !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Debug("live read ended", "error", in.err)
				}
				return nil
			}
			s.handleInbound(in, link)

		case ev, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				continue
			}
			s.handleTranscript(agg, endpointer, ev)

		case <-endpointer.C():
			endpointer.fired()
			if agg.pending() {
				s.finalizeUtterance(agg.finish())
			}
		}
	}
}

func (s *LiveSession) handleInbound(in inboundFrame, link *sttLink) {
	switch in.messageType {
	case websocket.BinaryMessage:
		if len(in.data) < s.cfg.MinAudioFrameBytes {
			s.logger.Debug("dropping short audio frame", "bytes", len(in.data))
			return
		}
		s.metrics.RecordLiveAudio("in", len(in.data))
		if !link.Send(in.data) {
			s.logger.Warn("stt audio queue full, dropping frame", "bytes", len(in.data))
		}
	case websocket.TextMessage:
		msg, err := protocol.DecodeClientMessage(in.data)
		if err != nil {
			s.logger.Debug("ignoring control frame", "error", err)
			return
		}
		switch msg.(type) {
		case protocol.ClientInterrupt:
			s.interrupt(interruptClient)
		}
	}
}

func (s *LiveSession) handleTranscript(agg *aggregator, endpointer *silenceEndpointer, ev stt.Event) {
	res := agg.observe(ev)
	if res.activity {
		s.onUserActivity()
	}
	if res.heard {
		endpointer.reset()
		s.markListening()
	}
	if res.ended {
		endpointer.stop()
		s.finalizeUtterance(res.utterance)
	}
}

func (s *LiveSession) markListening() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateListening
	}
	s.mu.Unlock()
}

// teardown invalidates any in-flight turn and stops the session context.
func (s *LiveSession) teardown() {
	s.mu.Lock()
	s.seq.Bump()
	ttsCtx, cancel := s.activeTTS, s.turnCancel
	s.activeTTS, s.turnCancel = nil, nil
	s.state = StateIdle
	s.mu.Unlock()

	s.closeTTS(ttsCtx)
	if cancel != nil {
		cancel()
	}
	s.cancel()
}

func (s *LiveSession) closeTTS(ttsCtx *tts.StreamingContext) {
	if ttsCtx == nil {
		return
	}
	if err := ttsCtx.Close(); err != nil {
		s.logger.Debug("tts close failed", "error", err)
	}
}

// State returns the current conversational state.
func (s *LiveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current turn generation.
func (s *LiveSession) Generation() uint64 {
	return s.seq.Current()
}

// History returns a copy of the completed conversation.
func (s *LiveSession) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendNewTurn() {
	if err := s.sendJSONPriority(protocol.NewTurn()); err != nil {
		s.logger.Debug("failed to queue NEW_TURN", "error", err)
	}
}

// enqueueAudio queues a chunk for generation gen. A full queue is reported as
// errBackpressure.
func (s *LiveSession) enqueueAudio(gen uint64, chunk []byte) error {
	if !s.seq.IsLive(gen) {
		s.metrics.RecordStaleAudioDropped()
		return nil
	}
	select {
	case s.outboundNormal <- outboundFrame{isAudio: true, generation: gen, binaryPayload: chunk}:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority evicts the oldest priority frames when the queue is full.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// Cancel stops the session. Run returns shortly after.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning queues a WARNING control frame ahead of audio.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.Warning(code, message))
}

func (s *LiveSession) newTurnContext() (context.Context, context.CancelFunc) {
	if s.cfg.TurnTimeout > 0 {
		return context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	}
	return context.WithCancel(s.ctx)
}
