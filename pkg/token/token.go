// Package token integrates the external collaboration-token endpoint. The
// endpoint owns caching and retry policy for real deployments; this package
// mirrors the three-state view the session core reacts to: loading, error,
// present. A token error is never fatal — the editor stays usable offline
// while the fetch retries in the background.
package token

import "time"

// Credential is a short-lived authorization for one editing session.
type Credential struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential is past its expiry.
func (c *Credential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// State is the current view of a credential fetch.
type State struct {
	Credential *Credential
	IsLoading  bool
	IsError    bool
}

// Source supplies credential state per editing session.
type Source interface {
	State(sessionID string) State
}

// Static is a fixed-credential source for tests and offline use.
type Static struct {
	Cred *Credential
	Err  bool
	Load bool
}

func (s Static) State(sessionID string) State {
	if s.Load {
		return State{IsLoading: true}
	}
	if s.Err {
		return State{IsError: true}
	}
	return State{Credential: s.Cred}
}
