// Package relay implements the client side of the realtime collaboration
// connection: one Provider binds a shared document to the relay over a
// websocket, keeps it in sync, and carries the awareness channel used for
// presence.
package relay

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coach-collab/pkg/identity"
	"coach-collab/pkg/session"
)

// Status is the connection lifecycle state of a Provider.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusConnecting    Status = "connecting"
	StatusSynced        Status = "synced"
	StatusDisconnected  Status = "disconnected"
)

// ErrClosed is returned when connecting a provider that was already torn down.
var ErrClosed = errors.New("relay: provider closed")

// Options configures a Provider.
type Options struct {
	URL   string // relay base URL, e.g. ws://127.0.0.1:8080
	Name  string // editing session id
	AppID string
	Token string
	Doc   *session.Doc
	User  identity.User

	Logger zerolog.Logger

	// DisableReconnect turns off automatic re-dialing after a transient
	// network loss. Explicit Disconnect/Destroy always stops reconnects.
	DisableReconnect  bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Provider is one realtime connection from a document to the collaboration
// relay. At most one Provider should be live per document; once disconnected
// explicitly it is terminal and a new Provider must be created.
type Provider struct {
	opts      Options
	events    *emitter
	awareness *Awareness
	log       zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	closed    bool
	destroyed bool

	writeMu sync.Mutex
}

// NewProvider validates options and returns an unconnected Provider.
func NewProvider(opts Options) (*Provider, error) {
	if opts.URL == "" {
		return nil, errors.New("relay: missing URL")
	}
	if opts.Name == "" {
		return nil, errors.New("relay: missing session name")
	}
	if opts.Doc == nil {
		return nil, errors.New("relay: missing document")
	}
	if opts.Token == "" {
		return nil, errors.New("relay: missing token")
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 200 * time.Millisecond
	}
	if opts.MaxReconnectDelay == 0 {
		opts.MaxReconnectDelay = 5 * time.Second
	}

	return &Provider{
		opts:      opts,
		events:    newEmitter(),
		awareness: newAwareness(uuid.New().String()),
		log:       opts.Logger.With().Str("session_id", opts.Name).Str("user_id", opts.User.ID).Logger(),
		status:    StatusUninitialized,
	}, nil
}

// On subscribes to a lifecycle event. The returned off function must be
// called exactly once per subscription.
func (p *Provider) On(ev Event, fn func(Payload)) (off func()) {
	return p.events.on(ev, fn)
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Doc returns the document this provider is bound to.
func (p *Provider) Doc() *session.Doc { return p.opts.Doc }

// ClientID returns the connection-scoped client id used on the awareness
// channel.
func (p *Provider) ClientID() string { return p.awareness.ClientID() }

// AwarenessStates returns the full awareness snapshot.
func (p *Provider) AwarenessStates() []AwarenessState {
	return p.awareness.States()
}

// Connect dials the relay and starts the read loop. A dial failure leaves
// the provider disconnected; the caller decides whether that is fatal.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.closed || p.destroyed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusConnecting
	p.mu.Unlock()

	return p.dial()
}

func (p *Provider) dial() error {
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return fmt.Errorf("relay: parse url: %w", err)
	}
	u.Path = "/ws/" + p.opts.Name
	q := u.Query()
	q.Set("token", p.opts.Token)
	q.Set("app", p.opts.AppID)
	q.Set("client", p.awareness.ClientID())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		p.mu.Lock()
		p.status = StatusDisconnected
		p.mu.Unlock()
		return fmt.Errorf("relay: dial: %w", err)
	}

	p.mu.Lock()
	if p.closed || p.destroyed {
		p.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	p.conn = conn
	p.mu.Unlock()

	go p.readLoop(conn)

	p.events.emit(EventConnect, Payload{})

	// re-announce local awareness state so peers see us again after a
	// reconnect, even before the controller republishes presence
	if state := p.awareness.localState(); len(state) > 0 {
		p.send(Message{Type: MsgAwarenessUpdate, State: state})
	}

	return nil
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			p.handleReadError(err)
			return
		}
		p.handleMessage(msg)
	}
}

func (p *Provider) handleMessage(msg Message) {
	switch msg.Type {
	case MsgSynced:
		p.opts.Doc.SetContent(msg.Content, msg.Version)
		p.awareness.setSnapshot(msg.States)

		p.mu.Lock()
		p.status = StatusSynced
		p.mu.Unlock()

		p.events.emit(EventSynced, Payload{})
		if len(msg.States) > 0 {
			p.events.emit(EventAwareness, Payload{States: p.awareness.States()})
		}

	case MsgOperation:
		if msg.Operation != nil {
			p.opts.Doc.Apply(*msg.Operation)
		}

	case MsgAwareness:
		p.awareness.setSnapshot(msg.States)
		p.events.emit(EventAwareness, Payload{States: p.awareness.States()})

	case MsgPing:
		p.send(Message{Type: MsgPong})

	default:
		p.log.Debug().Str("type", msg.Type).Msg("unhandled relay message")
	}
}

func (p *Provider) handleReadError(err error) {
	p.mu.Lock()
	wasExplicit := p.closed || p.destroyed
	p.conn = nil
	p.status = StatusDisconnected
	p.mu.Unlock()

	if wasExplicit {
		return
	}

	p.log.Warn().Err(err).Msg("relay connection lost")
	p.events.emit(EventDisconnect, Payload{})

	if !p.opts.DisableReconnect {
		go p.reconnectLoop()
	}
}

func (p *Provider) reconnectLoop() {
	delay := p.opts.ReconnectDelay
	for {
		time.Sleep(delay)

		p.mu.Lock()
		stop := p.closed || p.destroyed || p.conn != nil
		if !stop {
			p.status = StatusConnecting
		}
		p.mu.Unlock()
		if stop {
			return
		}

		if err := p.dial(); err == nil {
			return
		}

		delay *= 2
		if delay > p.opts.MaxReconnectDelay {
			delay = p.opts.MaxReconnectDelay
		}
	}
}

// SendOperation applies an edit locally and forwards it to the relay.
func (p *Provider) SendOperation(op session.Operation) {
	p.opts.Doc.Apply(op)
	p.send(Message{Type: MsgOperation, Operation: &op, ClientID: p.awareness.ClientID()})
}

// SetLocalStateField writes one field of the local awareness state. A nil
// value clears the field. When connected the relay echoes the resulting full
// snapshot back to everyone; while offline the change is reflected in the
// local snapshot immediately so the roster stays coherent.
func (p *Provider) SetLocalStateField(key string, value any) {
	state := p.awareness.setLocalField(key, value)

	p.mu.Lock()
	connected := p.conn != nil
	p.mu.Unlock()

	if connected {
		p.send(Message{Type: MsgAwarenessUpdate, State: state})
		return
	}
	p.events.emit(EventAwareness, Payload{States: p.awareness.States()})
}

func (p *Provider) send(msg Message) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		p.log.Warn().Err(err).Str("type", msg.Type).Msg("relay write failed")
	}
}

// Disconnect tears the connection down for good. Pending outbound frames are
// flushed before the close frame; the provider will not reconnect.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.status = StatusDisconnected
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		_ = conn.Close()
	}

	p.events.emit(EventDisconnect, Payload{})
}

// Destroy disconnects and drops every subscriber. The provider must not be
// used afterwards.
func (p *Provider) Destroy() {
	p.Disconnect()

	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()

	p.events.clear()
}
