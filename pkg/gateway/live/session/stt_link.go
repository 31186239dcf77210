package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-live/pkg/core/voice/stt"
)

const sttAudioQueueSize = 16

type sttLinkConfig struct {
	Provider       stt.Provider
	STT            stt.Config
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         *slog.Logger
	OnReconnect    func()
}

type sttConnectResult struct {
	sess stt.Session
	err  error
}

// sttLink owns the long-lived upstream STT session of one client. It connects
// on first audio, holds at most one chunk while disconnected and reconnects
// with exponential backoff after the upstream ends.
type sttLink struct {
	cfg    sttLinkConfig
	audio  chan []byte
	events chan stt.Event
}

func newSTTLink(cfg sttLinkConfig) *sttLink {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &sttLink{
		cfg:    cfg,
		audio:  make(chan []byte, sttAudioQueueSize),
		events: make(chan stt.Event, 64),
	}
}

// Send queues a chunk without blocking. It reports false if the queue is full
// and the chunk was dropped.
func (l *sttLink) Send(chunk []byte) bool {
	select {
	case l.audio <- chunk:
		return true
	default:
		return false
	}
}

// Events carries transcript events from whichever upstream session is current.
// Finished and error events are consumed by the link.
func (l *sttLink) Events() <-chan stt.Event {
	return l.events
}

func (l *sttLink) run(ctx context.Context) {
	defer close(l.events)

	var (
		sess       stt.Session
		sessEvents <-chan stt.Event
		pending    []byte
		connecting bool
		connCh     = make(chan sttConnectResult)
		retry      *time.Timer
		retryC     <-chan time.Time
		backoff    = l.cfg.BackoffInitial
		wantConn   bool
	)

	connect := func() {
		connecting = true
		go func() {
			s, err := l.cfg.Provider.Connect(ctx, l.cfg.STT)
			select {
			case connCh <- sttConnectResult{sess: s, err: err}:
			case <-ctx.Done():
				if s != nil {
					_ = s.Close()
				}
			}
		}()
	}

	scheduleRetry := func() {
		if retry == nil {
			retry = time.NewTimer(backoff)
		} else {
			retry.Reset(backoff)
		}
		retryC = retry.C
		backoff *= 2
		if backoff > l.cfg.BackoffMax {
			backoff = l.cfg.BackoffMax
		}
	}

	drop := func(reason string, err error) {
		if sess != nil {
			_ = sess.Close()
		}
		sess = nil
		sessEvents = nil
		l.cfg.Logger.Warn("stt session ended", "provider", l.cfg.Provider.Name(), "reason", reason, "error", err)
		scheduleRetry()
	}

	defer func() {
		if retry != nil {
			retry.Stop()
		}
		if sess != nil {
			if err := sess.EndOfStream(); err != nil {
				l.cfg.Logger.Debug("stt end of stream failed", "error", err)
			}
			_ = sess.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case chunk := <-l.audio:
			wantConn = true
			if sess == nil {
				pending = chunk
				if !connecting && retryC == nil {
					connect()
				}
				continue
			}
			if err := sess.SendAudio(chunk); err != nil {
				pending = chunk
				drop("send", err)
			}

		case res := <-connCh:
			connecting = false
			if res.err != nil {
				l.cfg.Logger.Warn("stt connect failed", "provider", l.cfg.Provider.Name(), "error", res.err)
				scheduleRetry()
				continue
			}
			sess = res.sess
			sessEvents = sess.Events()
			if pending != nil {
				chunk := pending
				pending = nil
				if err := sess.SendAudio(chunk); err != nil {
					pending = chunk
					drop("send", err)
				}
			}

		case <-retryC:
			retryC = nil
			if wantConn && sess == nil && !connecting {
				if l.cfg.OnReconnect != nil {
					l.cfg.OnReconnect()
				}
				connect()
			}

		case ev, ok := <-sessEvents:
			if !ok {
				drop("closed", nil)
				continue
			}
			switch ev.Kind {
			case stt.EventFinished:
				drop("finished", nil)
			case stt.EventError:
				drop("error", ev.Err)
			default:
				backoff = l.cfg.BackoffInitial
				select {
				case l.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
