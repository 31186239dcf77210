package session

import "sync/atomic"

// Sequencer is the per-session generation counter. A turn is live only while
// its captured generation equals Current.
type Sequencer struct {
	gen atomic.Uint64
}

// Bump advances the generation and returns the new value. Callers bump before
// tearing anything down.
func (s *Sequencer) Bump() uint64 {
	return s.gen.Add(1)
}

func (s *Sequencer) Current() uint64 {
	return s.gen.Load()
}

func (s *Sequencer) IsLive(gen uint64) bool {
	return gen == s.gen.Load()
}
