package pipeline

import "github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/llm"

// defaultHistoryLimit bounds the message list sent to the language model.
// The system prompt is carried separately and never elided.
const defaultHistoryLimit = 40

// history is the per-call conversation transcript in model form. Not safe for
// concurrent use; the turn driver is its only writer.
type history struct {
	limit    int
	messages []llm.Message
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{limit: limit}
}

// append adds one message and elides the oldest entries on overflow. A tool
// message never becomes the head: the model rejects tool results without the
// assistant call that requested them, so the pair is dropped together.
func (h *history) append(m llm.Message) {
	h.messages = append(h.messages, m)
	for len(h.messages) > h.limit {
		drop := 1
		for drop < len(h.messages) && h.messages[drop].Role == "tool" {
			drop++
		}
		h.messages = h.messages[drop:]
	}
}

// snapshot returns a copy safe to hand to a streaming request.
func (h *history) snapshot() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
