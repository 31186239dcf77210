package session

import (
	"context"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/core/voice/stt"
)

func TestSTTLink_KeepsNewestPendingChunk(t *testing.T) {
	p := newFakeSTT()
	p.gate = make(chan struct{})
	l := newSTTLink(sttLinkConfig{Provider: p})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for _, c := range []string{"a", "b", "c"} {
		if !l.Send([]byte(c)) {
			t.Fatalf("Send(%q) dropped", c)
		}
	}
	waitFor(t, "queue drained", func() bool { return len(l.audio) == 0 })
	// The loop has assigned the last dequeued chunk before it can observe
	// the connect result.
	close(p.gate)

	up := p.next(t)
	waitFor(t, "pending chunk", func() bool { return len(up.received()) == 1 })
	if got := string(up.received()[0]); got != "c" {
		t.Fatalf("pending chunk = %q, want newest", got)
	}

	l.Send([]byte("d"))
	waitFor(t, "live chunk", func() bool { return len(up.received()) == 2 })
	if p.connectCount() != 1 {
		t.Fatalf("connects = %d", p.connectCount())
	}
}

func TestSTTLink_ReconnectsAfterFinished(t *testing.T) {
	p := newFakeSTT()
	reconnects := make(chan struct{}, 4)
	l := newSTTLink(sttLinkConfig{
		Provider:       p,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		OnReconnect:    func() { reconnects <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.run(ctx)
	}()

	l.Send([]byte("a"))
	first := p.next(t)
	first.events <- stt.Event{Kind: stt.EventFinished}

	second := p.next(t)
	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatalf("reconnect not reported")
	}

	second.events <- stt.Event{Kind: stt.EventFinal, Text: "hello"}
	select {
	case ev := <-l.Events():
		if ev.Kind != stt.EventFinal || ev.Text != "hello" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event from reconnected session not forwarded")
	}

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("finished session was not closed")
	}

	cancel()
	<-done
	second.mu.Lock()
	ended := second.ended
	second.mu.Unlock()
	if !ended {
		t.Fatalf("end of stream not sent on shutdown")
	}
	if _, ok := <-l.Events(); ok {
		t.Fatalf("events channel not closed after run")
	}
}

func TestSTTLink_ErrorEventsAreConsumed(t *testing.T) {
	p := newFakeSTT()
	l := newSTTLink(sttLinkConfig{Provider: p, BackoffInitial: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	l.Send([]byte("a"))
	up := p.next(t)
	up.events <- stt.Event{Kind: stt.EventError, Err: errFake}

	p.next(t)
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected forwarded event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
