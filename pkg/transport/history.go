package transport

import "sync"

// Turn is one finalized line of conversation.
type Turn struct {
	IsUser bool   `json:"is_user"`
	Text   string `json:"text"`
}

// history keeps a bounded window of recent final transcripts for the next
// handshake instruction.
type history struct {
	mu    sync.Mutex
	limit int
	turns []Turn
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 20
	}
	return &history{limit: limit, turns: make([]Turn, 0, limit)}
}

func (h *history) append(isUser bool, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Consecutive fragments of the same speaker are one turn.
	if n := len(h.turns); n > 0 && h.turns[n-1].IsUser == isUser {
		h.turns[n-1].Text += " " + text
		return
	}
	h.turns = append(h.turns, Turn{IsUser: isUser, Text: text})
	if over := len(h.turns) - h.limit; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

func (h *history) snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}
