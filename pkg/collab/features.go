package collab

import (
	"coach-collab/pkg/identity"
	"coach-collab/pkg/session"
)

// Mode says whether the feature set is bound to a live relay connection or
// only to the local document.
type Mode string

const (
	ModeCollaborative Mode = "collaborative"
	ModeOffline       Mode = "offline"
)

// Extension is one editor behavior handed to the UI layer.
type Extension struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// Features is the resolved editor configuration for one session. Exactly one
// variant is active at a time; the UI must treat the value as stable across
// renders where nothing changed.
type Features struct {
	Mode       Mode
	Extensions []Extension
}

// FeatureBuilder constructs a feature set. Injected so tests can observe
// construction counts and force failures.
type FeatureBuilder func(doc *session.Doc, conn Conn, user identity.User) (*Features, error)

// defaultOfflineFeatures is the fallback variant: local editing with undo
// history, no network behaviors.
func defaultOfflineFeatures(doc *session.Doc, _ Conn, _ identity.User) (*Features, error) {
	return &Features{
		Mode: ModeOffline,
		Extensions: []Extension{
			{Name: "starter-kit", Options: map[string]any{"history": true}},
		},
	}, nil
}

// defaultCollabFeatures is the connected variant: shared editing plus cursor
// presence. Local undo history is disabled; the shared document owns it.
func defaultCollabFeatures(doc *session.Doc, _ Conn, user identity.User) (*Features, error) {
	return &Features{
		Mode: ModeCollaborative,
		Extensions: []Extension{
			{Name: "starter-kit", Options: map[string]any{"history": false}},
			{Name: "collaboration", Options: map[string]any{"session_id": doc.SessionID()}},
			{Name: "collaboration-cursor", Options: map[string]any{
				"user_id": user.ID,
				"name":    user.Name,
				"color":   userColor(user),
			}},
		},
	}, nil
}

func userColor(user identity.User) string {
	if user.Color != "" {
		return user.Color
	}
	return identity.ColorFor(user.ID)
}
