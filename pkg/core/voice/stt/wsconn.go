package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	eventBufferSize     = 64
)

var defaultDialer = &websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
	Proxy:            http.ProxyFromEnvironment,
}

func dial(ctx context.Context, dialer *websocket.Dialer, provider, rawURL string, header http.Header) (*websocket.Conn, error) {
	if dialer == nil {
		dialer = defaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := strings.TrimSpace(string(body))
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("websocket connect: %w", &ProviderError{Provider: provider, Code: resp.StatusCode, Message: msg})
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return conn, nil
}

// decodeFunc turns one upstream frame into events. terminal ends the read loop.
type decodeFunc func(data []byte) (events []Event, terminal bool)

// wsSession is the websocket plumbing shared by the realtime providers.
type wsSession struct {
	provider     string
	conn         *websocket.Conn
	decode       decodeFunc
	endOfStream  func(conn *websocket.Conn) error
	writeTimeout time.Duration

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newWSSession(provider string, conn *websocket.Conn, decode decodeFunc, endOfStream func(*websocket.Conn) error) *wsSession {
	s := &wsSession{
		provider:     provider,
		conn:         conn,
		decode:       decode,
		endOfStream:  endOfStream,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan Event, eventBufferSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(Event{Kind: EventFinished})
				return
			}
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("%s read: %w", s.provider, err)})
			return
		}

		events, terminal := s.decode(data)
		for _, ev := range events {
			if !s.emit(ev) {
				return
			}
		}
		if terminal {
			return
		}
	}
}

func (s *wsSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// keepAlive writes msg every interval until the session ends.
func (s *wsSession) keepAlive(interval time.Duration, msg func(*websocket.Conn) error) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.write(msg); err != nil {
					return
				}
			}
		}
	}()
}

func (s *wsSession) write(fn func(*websocket.Conn) error) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return fn(s.conn)
}

func (s *wsSession) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.write(func(c *websocket.Conn) error {
		return c.WriteMessage(websocket.BinaryMessage, data)
	}); err != nil {
		return fmt.Errorf("%s send audio: %w", s.provider, err)
	}
	return nil
}

func (s *wsSession) EndOfStream() error {
	if err := s.write(s.endOfStream); err != nil {
		return fmt.Errorf("%s end of stream: %w", s.provider, err)
	}
	return nil
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}
