package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetryInterval is how long an HTTPSource waits after a failed fetch
// before trying again.
const DefaultRetryInterval = 5 * time.Second

// HTTPSource fetches collaboration tokens from the platform's token endpoint
// and caches them per session. The first State call for a session kicks off a
// background fetch; failures flip the state to error and schedule a retry.
type HTTPSource struct {
	baseURL       string
	userID        string
	client        *http.Client
	retryInterval time.Duration
	log           zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	cred    *Credential
	loading bool
	failed  bool
	timer   *time.Timer
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRetryInterval overrides the delay between failed fetch attempts.
func WithRetryInterval(d time.Duration) HTTPSourceOption {
	return func(s *HTTPSource) { s.retryInterval = d }
}

// NewHTTPSource creates a source that requests tokens for userID from
// baseURL's collaboration token endpoint.
func NewHTTPSource(baseURL, userID string, log zerolog.Logger, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:       baseURL,
		userID:        userID,
		client:        &http.Client{Timeout: 10 * time.Second},
		retryInterval: DefaultRetryInterval,
		log:           log,
		entries:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the credential state for a session, starting a fetch if none
// is in flight yet. Expired credentials are refetched transparently.
func (s *HTTPSource) State(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{loading: true}
		s.entries[sessionID] = e
		go s.fetch(sessionID)
		return State{IsLoading: true}
	}

	if e.cred != nil && e.cred.Expired() {
		e.cred = nil
		e.loading = true
		go s.fetch(sessionID)
		return State{IsLoading: true}
	}

	return State{
		Credential: e.cred,
		IsLoading:  e.loading,
		IsError:    e.failed,
	}
}

// Close stops all pending retries.
func (s *HTTPSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (s *HTTPSource) fetch(sessionID string) {
	cred, err := s.request(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	e := s.entries[sessionID]
	if e == nil {
		return
	}

	e.loading = false
	if err != nil {
		e.failed = true
		e.timer = time.AfterFunc(s.retryInterval, func() { s.fetch(sessionID) })
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("collab token fetch failed, will retry")
		return
	}

	e.failed = false
	e.cred = cred
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *HTTPSource) request(sessionID string) (*Credential, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"user_id":    s.userID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	resp, err := s.client.Post(s.baseURL+"/api/collab/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	cred := &Credential{}
	if err := json.NewDecoder(resp.Body).Decode(cred); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return cred, nil
}

var _ Source = (*HTTPSource)(nil)
