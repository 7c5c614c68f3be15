package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"coach-collab/pkg/token"
)

type issuedToken struct {
	subject   string
	sessionID string
	expiresAt time.Time
}

// TokenIssuer mints and validates the dev relay's collaboration tokens.
// Tokens are opaque random strings held in memory; the production platform
// owns real token issuance.
type TokenIssuer struct {
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]issuedToken
}

// NewTokenIssuer creates an issuer with the given token lifetime.
func NewTokenIssuer(ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		ttl:    ttl,
		tokens: make(map[string]issuedToken),
	}
}

// Issue mints a credential scoped to one session and subject.
func (t *TokenIssuer) Issue(sessionID, userID string) token.Credential {
	cred := token.Credential{
		Token:     uuid.New().String(),
		Subject:   userID,
		SessionID: sessionID,
		ExpiresAt: time.Now().Add(t.ttl),
	}

	t.mu.Lock()
	t.tokens[cred.Token] = issuedToken{
		subject:   userID,
		sessionID: sessionID,
		expiresAt: cred.ExpiresAt,
	}
	t.mu.Unlock()

	return cred
}

// Validate checks a token against a session and returns its subject.
func (t *TokenIssuer) Validate(tok, sessionID string) (subject string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	issued, found := t.tokens[tok]
	if !found || issued.sessionID != sessionID {
		return "", false
	}
	if time.Now().After(issued.expiresAt) {
		delete(t.tokens, tok)
		return "", false
	}
	return issued.subject, true
}
