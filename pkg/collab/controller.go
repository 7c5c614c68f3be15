// Package collab orchestrates the collaborative-editing session lifecycle:
// when to (re)create the shared document handle, when to open or tear down
// the relay connection, when to fall back to offline editing, and how the
// participant roster tracks the awareness channel. The surrounding UI calls
// Update on every render and reads Snapshot; the controller guarantees that
// unchanged inputs never cause connection churn.
package collab

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"coach-collab/pkg/identity"
	"coach-collab/pkg/presence"
	"coach-collab/pkg/registry"
	"coach-collab/pkg/relay"
	"coach-collab/pkg/session"
	"coach-collab/pkg/token"
)

// Conn is the controller's view of a relay connection. *relay.Provider
// satisfies it; tests substitute fakes.
type Conn interface {
	Connect() error
	Disconnect()
	Destroy()
	On(ev relay.Event, fn func(relay.Payload)) (off func())
	SetLocalStateField(key string, value any)
	AwarenessStates() []relay.AwarenessState
}

// ConnFactory constructs a relay connection from options.
type ConnFactory func(relay.Options) (Conn, error)

// Config wires a Controller's collaborators.
type Config struct {
	RelayURL string
	AppID    string
	Tokens   token.Source
	Registry *registry.Registry
	Logger   zerolog.Logger

	// Cache is optional; a fresh single-slot cache is created when nil.
	Cache *session.DocCache

	// NewConn is optional; defaults to relay.NewProvider.
	NewConn ConnFactory

	// Feature builders are optional; defaults produce the standard
	// offline/collaborative extension lists.
	BuildOffline FeatureBuilder
	BuildCollab  FeatureBuilder
}

// Inputs is what the surrounding UI supplies on each render.
type Inputs struct {
	SessionID string
	User      identity.User
}

// Snapshot is the controller state handed to the UI. The editor must not
// permit edits while IsReady is false.
type Snapshot struct {
	Doc       *session.Doc
	Conn      Conn
	Features  *Features
	Roster    presence.Roster
	IsReady   bool
	IsLoading bool
	Err       error
}

// connKey is the memoized tuple that gates connection (re)initialization.
// The connection is created at most once per distinct key while mounted.
type connKey struct {
	sessionID string
	token     string
	userID    string
}

// Controller owns the document handle and relay connection for one editing
// session at a time.
type Controller struct {
	cfg        Config
	log        zerolog.Logger
	cache      *session.DocCache
	unregister func()

	mu            sync.Mutex
	closed        bool
	sessionID     string
	user          identity.User
	doc           *session.Doc
	conn          Conn
	key           connKey
	offs          []func()
	features      *Features
	featuresBuilt bool
	roster        presence.Roster
	isReady       bool
	isLoading     bool
	err           error
}

// New creates a controller and registers its logout cleanup with the
// registry, if one is configured.
func New(cfg Config) (*Controller, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("collab: token source is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = session.NewDocCache()
	}
	if cfg.NewConn == nil {
		cfg.NewConn = func(opts relay.Options) (Conn, error) {
			return relay.NewProvider(opts)
		}
	}
	if cfg.BuildOffline == nil {
		cfg.BuildOffline = defaultOfflineFeatures
	}
	if cfg.BuildCollab == nil {
		cfg.BuildCollab = defaultCollabFeatures
	}

	c := &Controller{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "collab").Logger(),
		cache:  cfg.Cache,
		roster: emptyRoster(),
	}

	if cfg.Registry != nil {
		c.unregister = cfg.Registry.Register(c.logoutCleanup)
	}

	return c, nil
}

// Update is the render-equivalent entry point. It reconciles controller
// state against the current session id, identity, and credential state.
// Calling it repeatedly with unchanged inputs is free: the memoized key
// tuple short-circuits before any connection work.
func (c *Controller) Update(in Inputs) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.user = in.User

	var old Conn
	var oldOffs []func()
	if in.SessionID != c.sessionID {
		old, oldOffs = c.detachLocked()
		c.sessionID = in.SessionID
		c.features = nil
		c.roster = emptyRoster()
		c.isReady = false
		c.err = nil
	}
	c.mu.Unlock()

	// the previous session's connection goes down before the new session's
	// document handle exists
	if old != nil {
		for _, off := range oldOffs {
			off()
		}
		old.Disconnect()
		old.Destroy()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.doc = c.cache.GetOrCreate(in.SessionID)

	st := c.cfg.Tokens.State(in.SessionID)
	switch {
	case st.Credential != nil:
		// handled below
	case c.conn != nil:
		// token state wobbled while connected; the live connection stands
		c.mu.Unlock()
		return
	case st.IsLoading:
		c.isLoading = true
		c.mu.Unlock()
		return
	default:
		// credential error: transient by contract, retried upstream.
		// Editing continues offline rather than blocking the UI.
		c.ensureOfflineLocked()
		c.mu.Unlock()
		return
	}

	key := connKey{sessionID: in.SessionID, token: st.Credential.Token, userID: in.User.ID}
	if c.conn != nil && c.key == key {
		c.isLoading = false
		c.mu.Unlock()
		return
	}

	var stale Conn
	var staleOffs []func()
	if c.conn != nil {
		// token rotated or identity changed: replace the connection
		stale, staleOffs = c.detachLocked()
	}

	conn, err := c.cfg.NewConn(relay.Options{
		URL:    c.cfg.RelayURL,
		Name:   in.SessionID,
		AppID:  c.cfg.AppID,
		Token:  st.Credential.Token,
		Doc:    c.doc,
		User:   in.User,
		Logger: c.log,
	})
	if err != nil {
		c.log.Error().Err(err).Str("session_id", in.SessionID).Msg("relay provider construction failed, editing offline")
		c.ensureOfflineLocked()
		c.mu.Unlock()
		c.drain(stale, staleOffs)
		return
	}

	c.conn = conn
	c.key = key
	c.featuresBuilt = false
	c.isLoading = false
	c.offs = []func(){
		conn.On(relay.EventSynced, c.onSynced(conn)),
		conn.On(relay.EventConnect, c.onConnect(conn)),
		conn.On(relay.EventDisconnect, c.onDisconnect(conn)),
		conn.On(relay.EventAwareness, c.onAwareness(conn)),
	}
	c.mu.Unlock()

	c.drain(stale, staleOffs)

	if err := conn.Connect(); err != nil {
		c.log.Error().Err(err).Str("session_id", in.SessionID).Msg("relay connect failed, editing offline")
		c.mu.Lock()
		if c.conn == conn {
			dead, deadOffs := c.detachLocked()
			c.ensureOfflineLocked()
			c.mu.Unlock()
			c.drain(dead, deadOffs)
			return
		}
		c.mu.Unlock()
	}
}

// Snapshot returns the current controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Doc:       c.doc,
		Conn:      c.conn,
		Features:  c.features,
		Roster:    c.roster,
		IsReady:   c.isReady,
		IsLoading: c.isLoading,
		Err:       c.err,
	}
}

// ResetCache tears down any live connection, discards the cached document
// and session id, and returns the controller to its initial not-ready state.
// The escape hatch for manual recovery after a reported error.
func (c *Controller) ResetCache() {
	c.mu.Lock()
	conn, offs := c.detachLocked()
	c.cache.Reset()
	c.sessionID = ""
	c.doc = nil
	c.features = nil
	c.roster = emptyRoster()
	c.isReady = false
	c.isLoading = false
	c.err = nil
	c.mu.Unlock()

	c.drain(conn, offs)
}

// Close tears down this controller's connection (that session only) and
// unregisters the logout callback. Called on unmount.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, offs := c.detachLocked()
	c.mu.Unlock()

	c.drain(conn, offs)

	if c.unregister != nil {
		c.unregister()
	}
}

// logoutCleanup runs from the logout registry. Remote peers must observe the
// presence clear before the socket closes, so the order is: clear presence
// field, disconnect, then destroy once the close frame has been flushed.
func (c *Controller) logoutCleanup() {
	c.mu.Lock()
	conn, offs := c.detachLocked()
	c.features = nil
	c.roster = emptyRoster()
	c.isReady = false
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if conn == nil {
		return
	}

	conn.SetLocalStateField(presence.Field, nil)
	conn.Disconnect()
	go conn.Destroy()
}

// detachLocked removes the live connection from controller state and hands
// it back for teardown. Callers must perform the teardown outside the lock;
// provider events dispatch synchronously and re-enter the controller.
func (c *Controller) detachLocked() (Conn, []func()) {
	conn := c.conn
	offs := c.offs
	c.conn = nil
	c.offs = nil
	c.key = connKey{}
	c.featuresBuilt = false
	return conn, offs
}

func (c *Controller) drain(conn Conn, offs []func()) {
	for _, off := range offs {
		off()
	}
	if conn != nil {
		conn.Disconnect()
		conn.Destroy()
	}
}

func (c *Controller) ensureOfflineLocked() {
	c.isLoading = false
	if c.features != nil && c.features.Mode == ModeOffline {
		c.isReady = true
		return
	}
	f, err := c.cfg.BuildOffline(c.doc, nil, c.user)
	if err != nil {
		c.err = fmt.Errorf("build offline features: %w", err)
		c.isReady = false
		return
	}
	c.features = f
	c.isReady = true
	c.err = nil
}

// onSynced publishes local presence and then builds the collaborative
// feature set. Presence goes on the awareness channel first so dependent UI
// never observes a ready editor with absent local presence. The featuresBuilt
// guard makes a duplicate synced notification (reconnect) a no-op.
func (c *Controller) onSynced(conn Conn) func(relay.Payload) {
	return func(relay.Payload) {
		c.mu.Lock()
		if c.conn != conn || c.featuresBuilt {
			c.mu.Unlock()
			return
		}
		user := c.user
		c.mu.Unlock()

		conn.SetLocalStateField(presence.Field, presence.Of(user, presence.StatusConnected))

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != conn || c.featuresBuilt {
			return
		}
		f, err := c.cfg.BuildCollab(c.doc, conn, user)
		if err != nil {
			// the one hard error: surfaced to the UI as retryable
			c.err = fmt.Errorf("build collaborative features: %w", err)
			c.isReady = false
			return
		}
		c.features = f
		c.featuresBuilt = true
		c.isReady = true
		c.isLoading = false
		c.err = nil
	}
}

// onConnect republishes presence with refreshed identity and role fields. A
// reconnect may follow an identity or role change that happened while
// offline.
func (c *Controller) onConnect(conn Conn) func(relay.Payload) {
	return func(relay.Payload) {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		user := c.user
		c.mu.Unlock()

		conn.SetLocalStateField(presence.Field, presence.Of(user, presence.StatusConnected))
	}
}

// onDisconnect marks local presence with the disconnected marker. The
// connection itself is retained; transient losses self-reconnect.
func (c *Controller) onDisconnect(conn Conn) func(relay.Payload) {
	return func(relay.Payload) {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		user := c.user
		c.mu.Unlock()

		conn.SetLocalStateField(presence.Field, presence.Of(user, presence.StatusDisconnected))
	}
}

// onAwareness rebuilds the roster from the full snapshot.
func (c *Controller) onAwareness(conn Conn) func(relay.Payload) {
	return func(p relay.Payload) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != conn {
			return
		}
		c.roster = presence.Build(p.States, c.user.ID)
	}
}

func emptyRoster() presence.Roster {
	return presence.Roster{Participants: map[string]presence.Participant{}}
}
