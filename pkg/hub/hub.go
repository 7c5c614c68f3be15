// Package hub is the dev relay's session fan-out: it keeps the authoritative
// document and awareness snapshot per editing session and broadcasts changes
// to every connected client. It exists so the client core can be exercised
// end-to-end without the production relay.
package hub

import (
	"encoding/json"
	"runtime/debug"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coach-collab/pkg/db"
	"coach-collab/pkg/relay"
	"coach-collab/pkg/session"
)

// Client represents a connected client in a session
type Client struct {
	ID      string // connection-scoped client id, supplied by the client
	Subject string // user id from the token
	Conn    *websocket.Conn
	Session *Session
	Send    chan []byte
}

// Session represents one collaborative editing session on the relay
type Session struct {
	ID         string
	Doc        *session.Doc
	Clients    map[string]*Client
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan []byte

	awareness map[string]map[string]any // client id -> awareness state
	store     db.SnapshotStore
	log       zerolog.Logger
	mutex     sync.RWMutex
}

// Hub manages all sessions
type Hub struct {
	sessions map[string]*Session
	mutex    sync.Mutex
	store    db.SnapshotStore
	log      zerolog.Logger
}

// NewHub creates a new hub backed by the given snapshot store.
func NewHub(store db.SnapshotStore, log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		store:    store,
		log:      log,
	}
}

// GetOrCreate gets an existing session or creates a new one, seeding the
// document from the snapshot store when a snapshot exists.
func (h *Hub) GetOrCreate(sessionID string) (*Session, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	s, ok := h.sessions[sessionID]
	if ok {
		return s, nil
	}

	doc := session.NewDoc(sessionID)
	snap, err := h.store.Get(sessionID)
	switch {
	case err == nil:
		doc.SetContent(snap.Content, snap.Version)
	case err == db.ErrSnapshotNotFound:
		// new session, empty document
	default:
		return nil, err
	}

	s = &Session{
		ID:         sessionID,
		Doc:        doc,
		Clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan []byte, 256),
		awareness:  make(map[string]map[string]any),
		store:      h.store,
		log:        h.log.With().Str("session_id", sessionID).Logger(),
	}

	h.sessions[sessionID] = s

	go s.run()

	return s, nil
}

// run handles session membership and fan-out
func (s *Session) run() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic in session.run")
		}
	}()

	for {
		select {
		case client := <-s.Register:
			s.mutex.Lock()
			s.Clients[client.ID] = client
			s.mutex.Unlock()

			s.sendSynced(client)
			s.log.Debug().Str("client_id", client.ID).Msg("client joined session")

		case client := <-s.Unregister:
			s.mutex.Lock()
			if _, ok := s.Clients[client.ID]; ok {
				delete(s.Clients, client.ID)
				delete(s.awareness, client.ID)
				close(client.Send)
			}
			s.mutex.Unlock()

			// departed clients drop out of the snapshot; peers rebuild
			s.broadcastAwareness()
			s.log.Debug().Str("client_id", client.ID).Msg("client left session")

		case message := <-s.Broadcast:
			s.mutex.Lock()
			for _, client := range s.Clients {
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(s.Clients, client.ID)
					delete(s.awareness, client.ID)
				}
			}
			s.mutex.Unlock()
		}
	}
}

// sendSynced delivers the authoritative snapshot to a newly joined client.
func (s *Session) sendSynced(c *Client) {
	msg := relay.Message{
		Type:    relay.MsgSynced,
		Content: s.Doc.Content(),
		Version: s.Doc.Version(),
		States:  s.AwarenessStates(),
	}
	data, _ := json.Marshal(msg)
	c.Send <- data
}

// ApplyOperation applies an edit to the authoritative document, relays it to
// every other client, and persists the resulting snapshot.
func (s *Session) ApplyOperation(c *Client, op session.Operation) {
	s.Doc.Apply(op)

	msg := relay.Message{Type: relay.MsgOperation, Operation: &op, ClientID: c.ID}
	data, _ := json.Marshal(msg)
	s.sendExcept(data, c.ID)

	if err := s.store.Save(&db.Snapshot{
		SessionID: s.ID,
		Content:   s.Doc.Content(),
		Version:   s.Doc.Version(),
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist snapshot")
	}
}

// SetAwareness replaces one client's awareness state and broadcasts the full
// snapshot to everyone, sender included.
func (s *Session) SetAwareness(clientID string, state map[string]any) {
	s.mutex.Lock()
	if len(state) == 0 {
		delete(s.awareness, clientID)
	} else {
		s.awareness[clientID] = state
	}
	s.mutex.Unlock()

	s.broadcastAwareness()
}

// AwarenessStates returns the full awareness snapshot.
func (s *Session) AwarenessStates() []relay.AwarenessState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	states := make([]relay.AwarenessState, 0, len(s.awareness))
	for id, state := range s.awareness {
		states = append(states, relay.AwarenessState{ClientID: id, State: state})
	}
	return states
}

func (s *Session) broadcastAwareness() {
	msg := relay.Message{Type: relay.MsgAwareness, States: s.AwarenessStates()}
	data, _ := json.Marshal(msg)
	s.Broadcast <- data
}

// sendExcept fans a message out to all clients except one.
func (s *Session) sendExcept(data []byte, excludeClientID string) {
	s.mutex.Lock()
	for _, client := range s.Clients {
		if client.ID == excludeClientID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			close(client.Send)
			delete(s.Clients, client.ID)
			delete(s.awareness, client.ID)
		}
	}
	s.mutex.Unlock()
}
