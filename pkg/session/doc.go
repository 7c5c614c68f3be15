package session

import (
	"sync"
	"time"
)

// Operation is a single text edit applied to a shared document.
type Operation struct {
	Type      string `json:"type"`      // "insert", "delete"
	Position  int    `json:"position"`  // Position in the document
	Content   string `json:"content"`   // Content to insert
	Length    int    `json:"length"`    // Length for delete operations
	ClientID  string `json:"client_id"` // ID of the client that generated this operation
	Timestamp int64  `json:"timestamp"` // Timestamp for ordering operations
}

// Doc is the in-memory shared document for one editing session. It holds the
// materialized content plus the log of operations applied to it. All methods
// are safe for concurrent use.
type Doc struct {
	sessionID string

	mu      sync.RWMutex
	content string
	version int
	log     []Operation
}

// NewDoc creates an empty document bound to a session id.
func NewDoc(sessionID string) *Doc {
	return &Doc{sessionID: sessionID}
}

// SessionID returns the editing session this document belongs to.
func (d *Doc) SessionID() string { return d.sessionID }

// Apply mutates the document with one operation and appends it to the log.
// Out-of-range positions are clamped rather than rejected; a collaborative
// editor must keep going when peers race.
func (d *Doc) Apply(op Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixNano()
	}

	switch op.Type {
	case "insert":
		if op.Position >= len(d.content) {
			d.content += op.Content
		} else {
			pos := op.Position
			if pos < 0 {
				pos = 0
			}
			d.content = d.content[:pos] + op.Content + d.content[pos:]
		}
	case "delete":
		pos, n := op.Position, op.Length
		if pos < 0 {
			pos = 0
		}
		if pos > len(d.content) {
			pos = len(d.content)
		}
		if pos+n > len(d.content) {
			n = len(d.content) - pos
		}
		d.content = d.content[:pos] + d.content[pos+n:]
	default:
		return
	}

	d.log = append(d.log, op)
	d.version++
}

// SetContent replaces the document content wholesale, as happens when the
// relay delivers the authoritative snapshot on first sync.
func (d *Doc) SetContent(content string, version int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = content
	if version > d.version {
		d.version = version
	}
}

// Content returns the current materialized text.
func (d *Doc) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content
}

// Version returns the number of updates applied to the document.
func (d *Doc) Version() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Log returns a copy of the operation log.
func (d *Doc) Log() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, len(d.log))
	copy(out, d.log)
	return out
}
