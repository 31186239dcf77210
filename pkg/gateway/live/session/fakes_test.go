package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/core/llm"
	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/core/voice/tts"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	if messageType == websocket.PingMessage || messageType == websocket.CloseMessage {
		return nil
	}
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error { return nil }

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeWSWriter) binary() []string {
	var out []string
	for _, w := range f.snapshot() {
		if w.messageType == websocket.BinaryMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func (f *fakeWSWriter) countText(data string) int {
	n := 0
	for _, w := range f.snapshot() {
		if w.messageType == websocket.TextMessage && w.data == data {
			n++
		}
	}
	return n
}

type clientFrame struct {
	messageType int
	data        []byte
}

// fakeConn is a client socket driven by the test.
type fakeConn struct {
	fakeWSWriter

	in        chan clientFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan clientFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendAudio(n int) {
	c.in <- clientFrame{messageType: websocket.BinaryMessage, data: make([]byte, n)}
}

func (c *fakeConn) sendText(s string) {
	c.in <- clientFrame{messageType: websocket.TextMessage, data: []byte(s)}
}

type fakeSTTSession struct {
	events chan stt.Event

	mu     sync.Mutex
	audio  [][]byte
	ended  bool
	closed bool
}

func newFakeSTTSession() *fakeSTTSession {
	return &fakeSTTSession{events: make(chan stt.Event, 16)}
}

func (s *fakeSTTSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, append([]byte(nil), data...))
	return nil
}

func (s *fakeSTTSession) EndOfStream() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSTTSession) Events() <-chan stt.Event { return s.events }

func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSTTSession) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// fakeSTT hands out a new session per Connect. gate, if set, blocks Connect
// until it is closed.
type fakeSTT struct {
	gate     chan struct{}
	sessions chan *fakeSTTSession

	mu       sync.Mutex
	connects int
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{sessions: make(chan *fakeSTTSession, 8)}
}

func (p *fakeSTT) Name() string { return "fake" }

func (p *fakeSTT) Connect(ctx context.Context, _ stt.Config) (stt.Session, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	p.connects++
	p.mu.Unlock()
	s := newFakeSTTSession()
	p.sessions <- s
	return s, nil
}

func (p *fakeSTT) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *fakeSTT) next(t *testing.T) *fakeSTTSession {
	t.Helper()
	select {
	case s := <-p.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stt connect")
		return nil
	}
}

type fakeLLMStream struct {
	ctx    context.Context
	deltas []string
	hold   chan struct{}
}

func (s *fakeLLMStream) Next() (string, error) {
	if len(s.deltas) == 0 {
		if s.hold != nil {
			select {
			case <-s.hold:
			case <-s.ctx.Done():
				return "", s.ctx.Err()
			}
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *fakeLLMStream) Close() error { return nil }

// fakeLLM replies with deltas on every call and records each request history.
type fakeLLM struct {
	deltas []string
	err    error
	// hold, if set, keeps the stream open after the last delta until closed.
	hold chan struct{}

	mu    sync.Mutex
	calls [][]llm.Message
}

func (p *fakeLLM) Name() string { return "fake" }

func (p *fakeLLM) Stream(ctx context.Context, history []llm.Message, _ llm.Params) (llm.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, history)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeLLMStream{ctx: ctx, deltas: append([]string(nil), p.deltas...), hold: p.hold}, nil
}

func (p *fakeLLM) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeLLM) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// fakeTTS emits chunks once flushed. With manual set it emits nothing and
// hands each context to the test instead.
type fakeTTS struct {
	chunks [][]byte
	manual bool
	opened chan *tts.StreamingContext

	mu    sync.Mutex
	texts []string
	// openErr and flushErr fail the next context only; closeErr is returned
	// by every Close.
	openErr  error
	flushErr error
	closeErr error
}

func newFakeTTS(chunks ...string) *fakeTTS {
	f := &fakeTTS{opened: make(chan *tts.StreamingContext, 8)}
	for _, c := range chunks {
		f.chunks = append(f.chunks, []byte(c))
	}
	return f
}

func (p *fakeTTS) Name() string { return "fake" }

func (p *fakeTTS) NewStreamingContext(context.Context, tts.Options) (*tts.StreamingContext, error) {
	p.mu.Lock()
	openErr, flushErr, closeErr := p.openErr, p.flushErr, p.closeErr
	p.openErr = nil
	if openErr == nil {
		p.flushErr = nil
	}
	p.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	sc := tts.NewStreamingContext()
	if closeErr != nil {
		sc.CloseFunc = func() error { return closeErr }
	}
	sc.SendFunc = func(text string, isFinal bool) error {
		if text != "" {
			p.mu.Lock()
			p.texts = append(p.texts, text)
			p.mu.Unlock()
		}
		if isFinal && !p.manual {
			go func() {
				defer sc.FinishAudio()
				for _, c := range p.chunks {
					if !sc.PushAudio(c) {
						return
					}
				}
				sc.SetError(flushErr)
			}()
		}
		return nil
	}
	p.opened <- sc
	return sc, nil
}

func (p *fakeTTS) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *fakeTTS) next(t *testing.T) *tts.StreamingContext {
	t.Helper()
	select {
	case sc := <-p.opened:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tts context")
		return nil
	}
}

type harness struct {
	conn *fakeConn
	stt  *fakeSTT
	llm  *fakeLLM
	tts  *fakeTTS
	sess *LiveSession

	finished chan struct{}
	runErr   error
}

func startSession(t *testing.T, l *fakeLLM, synth *fakeTTS, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{PingInterval: time.Hour, WriteTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{conn: newFakeConn(), stt: newFakeSTT(), llm: l, tts: synth, finished: make(chan struct{})}
	sess, err := New(Dependencies{
		Conn:      h.conn,
		STT:       h.stt,
		LLM:       l,
		TTS:       synth,
		SessionID: "s_test",
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.sess = sess
	go func() {
		h.runErr = sess.Run()
		close(h.finished)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.sess.Cancel()
	select {
	case <-h.finished:
	case <-time.After(2 * time.Second):
	}
}

// connectSTT sends one valid audio frame and returns the upstream session.
func (h *harness) connectSTT(t *testing.T) *fakeSTTSession {
	t.Helper()
	h.conn.sendAudio(DefaultMinAudioFrameBytes)
	return h.stt.next(t)
}

func (h *harness) say(up *fakeSTTSession, finals ...string) {
	for _, f := range finals {
		up.events <- stt.Event{Kind: stt.EventFinal, Text: f}
	}
	up.events <- stt.Event{Kind: stt.EventEndpoint}
}

var errFake = errors.New("fake collaborator failure")
