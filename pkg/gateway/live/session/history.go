package session

import "github.com/vango-go/vai-live/pkg/core/llm"

// history is the session's conversation. Only the session appends to it, and
// only under the session lock.
type history struct {
	messages []llm.Message
}

func newHistory() *history {
	return &history{messages: make([]llm.Message, 0, 16)}
}

func (h *history) appendUser(text string) {
	h.messages = append(h.messages, llm.Message{Role: llm.RoleUser, Content: text})
}

func (h *history) appendAssistant(text string) {
	h.messages = append(h.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
}

func (h *history) snapshot() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
