package session

import "sync"

// DocCache holds the document handle for the editing session currently being
// viewed. It is a single-slot cache: repeated lookups for the same session id
// return the same *Doc, so callers can re-request the handle freely without
// losing in-flight edits. Looking up a different session id replaces the slot.
type DocCache struct {
	mu            sync.Mutex
	doc           *Doc
	lastSessionID string
}

// NewDocCache returns an empty cache.
func NewDocCache() *DocCache {
	return &DocCache{}
}

// GetOrCreate returns the cached document when the session id matches the
// last one seen, or a fresh empty document otherwise. Idempotent for an
// unchanged session id.
func (c *DocCache) GetOrCreate(sessionID string) *Doc {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc != nil && c.lastSessionID == sessionID {
		return c.doc
	}

	c.doc = NewDoc(sessionID)
	c.lastSessionID = sessionID
	return c.doc
}

// Peek returns the cached document without creating one. nil when empty.
func (c *DocCache) Peek() *Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Reset discards the cached document and session id, returning the cache to
// its initial state.
func (c *DocCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = nil
	c.lastSessionID = ""
}
