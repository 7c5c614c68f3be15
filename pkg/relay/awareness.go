package relay

import "sync"

// Awareness is the ephemeral per-client state channel shared by all peers on
// a connection: presence, cursors, and whatever else collaboration features
// put there. Nothing in it is persisted.
//
// The local state is a flat key-value map; the remote view is always a full
// snapshot as delivered by the relay, never an incremental patch.
type Awareness struct {
	clientID string

	mu     sync.RWMutex
	local  map[string]any
	remote []AwarenessState
}

func newAwareness(clientID string) *Awareness {
	return &Awareness{
		clientID: clientID,
		local:    make(map[string]any),
	}
}

// ClientID returns the connection-scoped client identifier.
func (a *Awareness) ClientID() string { return a.clientID }

// setLocalField writes one field of the local state. A nil value removes the
// field. Returns a copy of the full local state to put on the wire.
func (a *Awareness) setLocalField(key string, value any) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	if value == nil {
		delete(a.local, key)
	} else {
		a.local[key] = value
	}
	return copyState(a.local)
}

// localState returns a copy of the local state map.
func (a *Awareness) localState() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.local)
}

// setSnapshot replaces the remote view wholesale.
func (a *Awareness) setSnapshot(states []AwarenessState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = states
}

// States returns the current full snapshot. While disconnected the relay
// snapshot is unavailable, so the local client's entry is synthesized from
// local state to keep the roster coherent offline.
func (a *Awareness) States() []AwarenessState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AwarenessState, 0, len(a.remote)+1)
	seenSelf := false
	for _, st := range a.remote {
		if st.ClientID == a.clientID {
			seenSelf = true
			// local writes win over the last snapshot for our own entry
			st = AwarenessState{ClientID: a.clientID, State: copyState(a.local)}
		}
		out = append(out, st)
	}
	if !seenSelf && len(a.local) > 0 {
		out = append(out, AwarenessState{ClientID: a.clientID, State: copyState(a.local)})
	}
	return out
}

func copyState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
