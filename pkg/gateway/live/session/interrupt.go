package session

type interruptSource string

const (
	interruptBargeIn      interruptSource = "barge_in"
	interruptClient       interruptSource = "client"
	interruptBackpressure interruptSource = "backpressure"
)

// appliesTo reports whether a cut from src has anything to cut in st. A client
// INTERRUPT may also cancel a reply that has not started speaking yet.
func (src interruptSource) appliesTo(st State) bool {
	if src == interruptClient {
		return st == StateThinking || st == StateSpeaking
	}
	return st == StateSpeaking
}

// onUserActivity is signaled once per speech segment by the aggregator.
func (s *LiveSession) onUserActivity() {
	s.interrupt(interruptBargeIn)
}

func (s *LiveSession) interrupt(source interruptSource) bool {
	return s.cut(source, nil)
}

// interruptGeneration cuts only if gen is still the live generation.
func (s *LiveSession) interruptGeneration(source interruptSource, gen uint64) bool {
	return s.cut(source, func(current uint64) bool { return current == gen })
}

// cut performs the hard interrupt: bump, tear down the live turn, reset to
// IDLE and tell the client to drop its playback clock. At most one cut happens
// per speech segment; the guard clears at the next end of utterance.
func (s *LiveSession) cut(source interruptSource, match func(current uint64) bool) bool {
	s.mu.Lock()
	if s.interruptInProgress || !source.appliesTo(s.state) {
		s.mu.Unlock()
		return false
	}
	if match != nil && !match(s.seq.Current()) {
		s.mu.Unlock()
		return false
	}
	s.interruptInProgress = true
	s.interruptedGen = s.seq.Current()
	gen := s.seq.Bump()
	ttsCtx, cancel := s.activeTTS, s.turnCancel
	s.activeTTS, s.turnCancel = nil, nil
	prev := s.state
	s.state = StateIdle
	s.mu.Unlock()

	// Stale output is already unreachable after the bump; close is cleanup.
	s.closeTTS(ttsCtx)
	if cancel != nil {
		cancel()
	}
	s.sendNewTurn()

	s.metrics.RecordInterrupt(string(source))
	s.logger.Info("turn interrupted", "source", string(source), "state", prev.String(), "generation", gen)
	return true
}
