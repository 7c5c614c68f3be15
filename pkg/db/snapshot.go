package db

import (
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a session.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is the persisted state of one editing session's document.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStore persists session document snapshots for the dev relay.
type SnapshotStore interface {
	Get(sessionID string) (*Snapshot, error)
	// Save upserts the snapshot for a session.
	Save(snapshot *Snapshot) error
	Delete(sessionID string) error
	List() ([]*Snapshot, error)
	Close() error
}
