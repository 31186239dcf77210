package session

import (
	"strings"

	"github.com/vango-go/vai-live/pkg/core/voice/stt"
)

// aggregator accumulates final transcript text into one utterance. It is owned
// by the session event loop and is not safe for concurrent use.
type aggregator struct {
	parts []string

	// activitySignaled is set once per continuous speech segment.
	activitySignaled bool
}

type aggregateResult struct {
	// activity is true for the first transcript text of a speech segment.
	activity bool
	// heard is true whenever the event carried text.
	heard bool
	// ended is true when the utterance boundary was reached; utterance may
	// still be empty.
	ended     bool
	utterance string
}

func (a *aggregator) observe(ev stt.Event) aggregateResult {
	var res aggregateResult
	switch ev.Kind {
	case stt.EventPartial:
		if strings.TrimSpace(ev.Text) != "" {
			res.heard = true
			res.activity = a.signal()
		}
	case stt.EventFinal:
		text := strings.TrimSpace(ev.Text)
		if text != "" {
			a.parts = append(a.parts, text)
			res.heard = true
			res.activity = a.signal()
		}
	case stt.EventEndpoint:
		res.ended = true
		res.utterance = a.finish()
	}
	return res
}

func (a *aggregator) signal() bool {
	if a.activitySignaled {
		return false
	}
	a.activitySignaled = true
	return true
}

// finish returns the trimmed utterance and resets for the next segment.
func (a *aggregator) finish() string {
	text := strings.TrimSpace(strings.Join(a.parts, " "))
	a.parts = a.parts[:0]
	a.activitySignaled = false
	return text
}

func (a *aggregator) pending() bool {
	return len(a.parts) > 0
}
