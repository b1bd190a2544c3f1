package grounding

import "sync"

// Collection is the append-only list of files cited in the current session.
// Duplicates are kept.
type Collection struct {
	mu    sync.RWMutex
	files []File
}

func NewCollection() *Collection {
	return &Collection{}
}

func (c *Collection) Append(files ...File) {
	if len(files) == 0 {
		return
	}
	c.mu.Lock()
	c.files = append(c.files, files...)
	c.mu.Unlock()
}

// Snapshot returns a copy that later appends do not affect.
func (c *Collection) Snapshot() []File {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make([]File, len(c.files))
	copy(snapshot, c.files)
	return snapshot
}

// Since returns the files appended after the first n.
func (c *Collection) Since(n int) []File {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	if n >= len(c.files) {
		return nil
	}
	since := make([]File, len(c.files)-n)
	copy(since, c.files[n:])
	return since
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Reset empties the collection; used when a new session opens.
func (c *Collection) Reset() {
	c.mu.Lock()
	c.files = nil
	c.mu.Unlock()
}
