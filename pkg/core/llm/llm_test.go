package llm

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/matryer/is"
)

type sliceStream struct {
	deltas []string
	err    error
	closed bool
}

func (s *sliceStream) Next() (string, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestParamsWithDefaults(t *testing.T) {
	is := is.New(t)

	p := Params{Temperature: -1}.WithDefaults()
	is.Equal(p.Temperature, float32(DefaultTemperature))
	is.Equal(p.MaxTokens, DefaultMaxTokens)
	is.Equal(p.Timeout, DefaultTimeout)
	is.Equal(p.SystemPrompt, DefaultSystemPrompt)

	custom := Params{Temperature: 0.9, MaxTokens: 12, SystemPrompt: "be brief"}.WithDefaults()
	is.Equal(custom.Temperature, float32(0.9))
	is.Equal(custom.MaxTokens, 12)
	is.Equal(custom.SystemPrompt, "be brief")

	greedy := Params{Temperature: 0}.WithDefaults()
	is.Equal(greedy.Temperature, float32(0))
}

func TestValidateHistory(t *testing.T) {
	is := is.New(t)

	is.True(errors.Is(validateHistory(nil), ErrEmptyHistory))
	is.NoErr(validateHistory([]Message{{Role: RoleUser, Content: "hi"}}))
	is.True(validateHistory([]Message{{Role: "tool", Content: "x"}}) != nil)
}

func TestCollect_JoinsDeltas(t *testing.T) {
	is := is.New(t)

	s := &sliceStream{deltas: []string{"It's ", "sunny ", "today."}}
	text, err := collect(s)
	is.NoErr(err)
	is.Equal(text, "It's sunny today.")
	is.True(s.closed)
}

func TestCollect_ReturnsPartialTextOnError(t *testing.T) {
	is := is.New(t)

	boom := errors.New("boom")
	s := &sliceStream{deltas: []string{"half"}, err: boom}
	text, err := collect(s)
	is.True(errors.Is(err, boom))
	is.Equal(text, "half")
}

func TestTimeoutStream_CloseCancels(t *testing.T) {
	is := is.New(t)

	canceled := false
	s := &timeoutStream{Stream: &sliceStream{}, cancel: func() { canceled = true }}
	is.NoErr(s.Close())
	is.True(canceled)
}

// collect drains a stream into a single string and closes it.
func collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		delta, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(delta)
	}
}
