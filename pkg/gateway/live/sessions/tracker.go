// Package sessions is the process-wide registry of live voice sessions. The
// transport layer owns it; sessions never look each other up.
package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Live is what the registry needs from a running session.
type Live interface {
	Cancel()
	SendWarning(code, message string) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	live Live
	once sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*entry)}
}

// NewID returns a fresh session id.
func NewID() string {
	return "sess_" + uuid.NewString()
}

// Register tracks live under id until the returned func is called. The
// unregister func is safe to call more than once.
func (t *Tracker) Register(id string, live Live) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{live: live}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*entry)
	}
	old := t.sessions[id]
	t.sessions[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		old.live.Cancel()
		t.unregister(id, old)
	}
	return func() { t.unregister(id, e) }
}

func (t *Tracker) unregister(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == e {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) snapshot() []Live {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Live, 0, len(t.sessions))
	for _, e := range t.sessions {
		if e.live != nil {
			out = append(out, e.live)
		}
	}
	return out
}

// WarnAll sends a warning to every session. Failures are joined; delivery to
// the remaining sessions continues.
func (t *Tracker) WarnAll(code, message string) (sent int, err error) {
	if t == nil {
		return 0, nil
	}
	var errs []error
	for _, l := range t.snapshot() {
		if werr := l.SendWarning(code, message); werr != nil {
			errs = append(errs, werr)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, l := range t.snapshot() {
		l.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
