package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle tracks whether the process is draining. Once draining starts,
// readiness fails and new live sessions are refused.
type Lifecycle struct {
	draining atomic.Bool

	once sync.Once
	ch   chan struct{}
}

func (l *Lifecycle) init() {
	l.once.Do(func() { l.ch = make(chan struct{}) })
}

// StartDraining flips the process into draining. Later calls are no-ops.
func (l *Lifecycle) StartDraining() {
	if l == nil {
		return
	}
	l.init()
	if l.draining.CompareAndSwap(false, true) {
		close(l.ch)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed when StartDraining is first called.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.init()
	return l.ch
}
