package handlers

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coach-collab/pkg/hub"
	"coach-collab/pkg/relay"
)

// Handlers contains the dev relay's HTTP and WebSocket handlers
type Handlers struct {
	hub    *hub.Hub
	issuer *TokenIssuer
	log    zerolog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(h *hub.Hub, issuer *TokenIssuer, log zerolog.Logger) *Handlers {
	return &Handlers{
		hub:    h,
		issuer: issuer,
		log:    log,
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dev relay accepts any origin
	},
}

// HandleWebSocket accepts relay connections on /ws/{sessionId}, validating
// the collaboration token before registering the client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["sessionId"]

	tok := r.URL.Query().Get("token")
	subject, ok := h.issuer.Validate(tok, sessionID)
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess, err := h.hub.GetOrCreate(sessionID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to get session")
		conn.Close()
		return
	}

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client := &hub.Client{
		ID:      clientID,
		Subject: subject,
		Conn:    conn,
		Session: sess,
		Send:    make(chan []byte, 256),
	}

	go h.writePump(client)
	go h.readPump(client)

	sess.Register <- client
}

// readPump handles reading messages from the WebSocket
func (h *Handlers) readPump(c *hub.Client) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("client_id", c.ID).Msg("panic in readPump")
		}
		select {
		case c.Session.Unregister <- c:
		default:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg relay.Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket closed")
			}
			break
		}

		switch msg.Type {
		case relay.MsgOperation:
			if msg.Operation != nil {
				op := *msg.Operation
				op.ClientID = c.ID
				c.Session.ApplyOperation(c, op)
			}
		case relay.MsgAwarenessUpdate:
			c.Session.SetAwareness(c.ID, msg.State)
		case relay.MsgPing:
			data, _ := json.Marshal(relay.Message{Type: relay.MsgPong})
			c.Send <- data
		default:
			h.log.Debug().Str("type", msg.Type).Str("client_id", c.ID).Msg("unknown message type")
		}
	}
}

// writePump handles writing messages to the WebSocket
func (h *Handlers) writePump(c *hub.Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		select {
		case c.Session.Unregister <- c:
		default:
		}
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleToken issues a collaboration token for one session
func (h *Handlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}

	cred := h.issuer.Issue(req.SessionID, req.UserID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cred)
}

// GetSession returns the current document snapshot for a session
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["sessionId"]

	sess, err := h.hub.GetOrCreate(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"session_id": sess.ID,
		"content":    sess.Doc.Content(),
		"version":    sess.Doc.Version(),
	})
}

// GetSessionParticipants returns the awareness roster for a session
func (h *Handlers) GetSessionParticipants(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["sessionId"]

	sess, err := h.hub.GetOrCreate(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"session_id": sessionID,
		"states":     sess.AwarenessStates(),
	})
}
