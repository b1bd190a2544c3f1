package orchestration

import (
	"strings"
	"sync"
)

// textBuffer accumulates transcript and response text for the current user
// utterance.
type textBuffer struct {
	mu     sync.Mutex
	chunks []string
}

func newTextBuffer() *textBuffer {
	return &textBuffer{}
}

func (b *textBuffer) AddChunk(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()
}

func (b *textBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.Join(b.chunks, "")
}

func (b *textBuffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.mu.Unlock()
}
