// Package presence derives the participant roster from the awareness
// channel. The roster is always rebuilt from the full awareness snapshot,
// never patched incrementally — a client that vanishes without a departure
// event can therefore never leave a stale entry behind.
package presence

import (
	"encoding/json"

	"coach-collab/pkg/identity"
	"coach-collab/pkg/relay"
)

// Field is the awareness-state key presence payloads live under.
const Field = "presence"

// Connection markers.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Cursor is a participant's pointer position in the document.
type Cursor struct {
	Line   float64 `json:"line"`
	Column float64 `json:"column"`
}

// Participant is one entry in the roster.
type Participant struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Role   string  `json:"role"`
	Color  string  `json:"color"`
	Status string  `json:"status"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Roster is the set of participants currently visible on the awareness
// channel, keyed by participant id, with the local user singled out.
type Roster struct {
	Participants map[string]Participant
	Self         *Participant
}

// Build maps a full awareness snapshot into a roster. Awareness entries
// without a recognized presence payload are skipped; other collaboration
// features share the channel with fields of their own. The self entry is the
// one whose participant id matches selfID.
func Build(states []relay.AwarenessState, selfID string) Roster {
	roster := Roster{Participants: make(map[string]Participant, len(states))}

	for _, st := range states {
		raw, ok := st.State[Field]
		if !ok || raw == nil {
			continue
		}

		p, ok := decode(raw)
		if !ok {
			continue
		}

		roster.Participants[p.ID] = p
		if p.ID == selfID {
			self := p
			roster.Self = &self
		}
	}

	return roster
}

// Of builds the local user's presence payload with the given connection
// marker, ready for the awareness channel.
func Of(user identity.User, status string) Participant {
	color := user.Color
	if color == "" {
		color = identity.ColorFor(user.ID)
	}
	return Participant{
		ID:     user.ID,
		Name:   user.Name,
		Role:   user.Role,
		Color:  color,
		Status: status,
	}
}

// decode accepts either a Participant (local writes) or the generic map the
// wire produces.
func decode(raw any) (Participant, bool) {
	switch v := raw.(type) {
	case Participant:
		return v, v.ID != ""
	case *Participant:
		if v == nil {
			return Participant{}, false
		}
		return *v, v.ID != ""
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return Participant{}, false
		}
		var p Participant
		if err := json.Unmarshal(data, &p); err != nil {
			return Participant{}, false
		}
		return p, p.ID != ""
	default:
		return Participant{}, false
	}
}
