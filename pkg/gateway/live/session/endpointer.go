package session

import "time"

// silenceEndpointer fires when no transcript text has arrived for d. A zero
// duration disables it and C returns nil.
type silenceEndpointer struct {
	d     time.Duration
	timer *time.Timer
	armed bool
}

func newSilenceEndpointer(d time.Duration) *silenceEndpointer {
	return &silenceEndpointer{d: d}
}

func (e *silenceEndpointer) reset() {
	if e.d <= 0 {
		return
	}
	if e.timer == nil {
		e.timer = time.NewTimer(e.d)
	} else {
		e.timer.Reset(e.d)
	}
	e.armed = true
}

func (e *silenceEndpointer) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.armed = false
}

// fired must be called after a value was received from C.
func (e *silenceEndpointer) fired() {
	e.armed = false
}

func (e *silenceEndpointer) C() <-chan time.Time {
	if !e.armed || e.timer == nil {
		return nil
	}
	return e.timer.C
}
