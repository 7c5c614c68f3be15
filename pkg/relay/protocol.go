package relay

import "coach-collab/pkg/session"

// Message is the wire envelope exchanged with the collaboration relay. One
// struct covers every message type; unused fields are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// synced: authoritative document snapshot plus the current awareness roster
	Content string `json:"content,omitempty"`
	Version int    `json:"version,omitempty"`

	// operation: one document edit
	Operation *session.Operation `json:"operation,omitempty"`

	// awareness (server -> client): full snapshot of all client states
	States []AwarenessState `json:"states,omitempty"`

	// awareness_update (client -> server): this client's full local state
	State map[string]any `json:"state,omitempty"`

	ClientID string `json:"client_id,omitempty"`
}

// Message types.
const (
	MsgSynced          = "synced"
	MsgOperation       = "operation"
	MsgAwareness       = "awareness"
	MsgAwarenessUpdate = "awareness_update"
	MsgPing            = "ping"
	MsgPong            = "pong"
)

// AwarenessState is one client's entry in the awareness snapshot. The state
// map is an open key-value space; presence lives under the "presence" key but
// other collaboration features may use the same channel for unrelated fields.
type AwarenessState struct {
	ClientID string         `json:"client_id"`
	State    map[string]any `json:"state"`
}
