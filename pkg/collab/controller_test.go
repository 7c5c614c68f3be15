package collab

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-collab/pkg/identity"
	"coach-collab/pkg/presence"
	"coach-collab/pkg/registry"
	"coach-collab/pkg/relay"
	"coach-collab/pkg/session"
	"coach-collab/pkg/token"
)

// fakeConn records calls in order and lets tests fire provider events.
type fakeConn struct {
	mu        sync.Mutex
	calls     []string
	fields    map[string]any
	handlers  map[relay.Event][]func(relay.Payload)
	connectFn func() error
	destroyed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		fields:    make(map[string]any),
		handlers:  make(map[relay.Event][]func(relay.Payload)),
		destroyed: make(chan struct{}),
	}
}

func (f *fakeConn) Connect() error {
	f.record("connect")
	if f.connectFn != nil {
		return f.connectFn()
	}
	return nil
}

func (f *fakeConn) Disconnect() { f.record("disconnect") }

func (f *fakeConn) Destroy() {
	f.record("destroy")
	select {
	case <-f.destroyed:
	default:
		close(f.destroyed)
	}
}

func (f *fakeConn) On(ev relay.Event, fn func(relay.Payload)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[ev] = append(f.handlers[ev], fn)
	return func() {}
}

func (f *fakeConn) SetLocalStateField(key string, value any) {
	if value == nil {
		f.record(fmt.Sprintf("set:%s:nil", key))
	} else if p, ok := value.(presence.Participant); ok {
		f.record(fmt.Sprintf("set:%s:%s", key, p.Status))
	} else {
		f.record(fmt.Sprintf("set:%s", key))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == nil {
		delete(f.fields, key)
	} else {
		f.fields[key] = value
	}
}

func (f *fakeConn) AwarenessStates() []relay.AwarenessState { return nil }

func (f *fakeConn) fire(ev relay.Event, p relay.Payload) {
	f.mu.Lock()
	fns := append([]func(relay.Payload){}, f.handlers[ev]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (f *fakeConn) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeConn) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeConn) countCalls(name string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == name {
			n++
		}
	}
	return n
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeConn
	err     error
}

func (ff *fakeFactory) new(opts relay.Options) (Conn, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	c := newFakeConn()
	ff.created = append(ff.created, c)
	return c, nil
}

func (ff *fakeFactory) last() *fakeConn {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.created) == 0 {
		return nil
	}
	return ff.created[len(ff.created)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func testUser() identity.User {
	return identity.User{ID: "u1", Name: "Ada", Role: "coach"}
}

func testCred() *token.Credential {
	return &token.Credential{Token: "tok-1", Subject: "u1", SessionID: "s1"}
}

func newTestController(t *testing.T, src token.Source, ff *fakeFactory) *Controller {
	t.Helper()
	c, err := New(Config{
		RelayURL: "ws://relay.test",
		Tokens:   src,
		Logger:   zerolog.Nop(),
		NewConn:  ff.new,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestControllerDocHandle(t *testing.T) {
	t.Run("stable across repeated updates", func(t *testing.T) {
		ff := &fakeFactory{}
		c := newTestController(t, token.Static{Cred: testCred()}, ff)

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		doc := c.Snapshot().Doc
		require.NotNil(t, doc)

		for i := 0; i < 5; i++ {
			c.Update(Inputs{SessionID: "s1", User: testUser()})
			assert.Same(t, doc, c.Snapshot().Doc)
		}
		// one connection for all those renders
		assert.Equal(t, 1, ff.count())
		assert.Equal(t, 1, ff.last().countCalls("connect"))
	})

	t.Run("identity reference churn does not reconnect", func(t *testing.T) {
		ff := &fakeFactory{}
		c := newTestController(t, token.Static{Cred: testCred()}, ff)

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		// a fresh User value with identical content: same key tuple
		c.Update(Inputs{SessionID: "s1", User: identity.User{ID: "u1", Name: "Ada", Role: "coach"}})

		assert.Equal(t, 1, ff.count())
	})
}

func TestControllerSessionChange(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestController(t, token.Static{Cred: testCred()}, ff)

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	first := ff.last()
	firstDoc := c.Snapshot().Doc

	c.Update(Inputs{SessionID: "s2", User: testUser()})
	secondDoc := c.Snapshot().Doc

	assert.Equal(t, 1, first.countCalls("disconnect"), "old connection disconnected exactly once")
	assert.Equal(t, 1, first.countCalls("destroy"))
	assert.NotSame(t, firstDoc, secondDoc)
	assert.Equal(t, "s2", secondDoc.SessionID())
	assert.Equal(t, 2, ff.count())
	assert.NotSame(t, first, ff.last())
}

func TestControllerSyncedIdempotent(t *testing.T) {
	builds := 0
	ff := &fakeFactory{}
	c, err := New(Config{
		RelayURL: "ws://relay.test",
		Tokens:   token.Static{Cred: testCred()},
		Logger:   zerolog.Nop(),
		NewConn:  ff.new,
		BuildCollab: func(doc *session.Doc, conn Conn, user identity.User) (*Features, error) {
			builds++
			return defaultCollabFeatures(doc, conn, user)
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	conn := ff.last()
	require.NotNil(t, conn)

	conn.fire(relay.EventSynced, relay.Payload{})
	feats := c.Snapshot().Features
	require.NotNil(t, feats)
	assert.Equal(t, ModeCollaborative, feats.Mode)

	// a second synced notification (reconnect) must not rebuild
	conn.fire(relay.EventSynced, relay.Payload{})
	assert.Equal(t, 1, builds)
	assert.Same(t, feats, c.Snapshot().Features, "feature set identity stable")
}

func TestControllerPresenceOrdering(t *testing.T) {
	ff := &fakeFactory{}
	c, err := New(Config{
		RelayURL: "ws://relay.test",
		Tokens:   token.Static{Cred: testCred()},
		Logger:   zerolog.Nop(),
		NewConn:  ff.new,
		BuildCollab: func(doc *session.Doc, conn Conn, user identity.User) (*Features, error) {
			// by the time features are built, presence must be on the channel
			fc := conn.(*fakeConn)
			fc.mu.Lock()
			defer fc.mu.Unlock()
			if _, ok := fc.fields[presence.Field]; !ok {
				return nil, errors.New("presence not published before features")
			}
			return &Features{Mode: ModeCollaborative}, nil
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	ff.last().fire(relay.EventSynced, relay.Payload{})

	snap := c.Snapshot()
	require.NoError(t, snap.Err)
	assert.True(t, snap.IsReady)
}

func TestControllerDisconnectReconnect(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestController(t, token.Static{Cred: testCred()}, ff)

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	conn := ff.last()
	conn.fire(relay.EventSynced, relay.Payload{})

	conn.fire(relay.EventDisconnect, relay.Payload{})
	conn.fire(relay.EventConnect, relay.Payload{})

	log := conn.callLog()
	assert.Contains(t, log, "set:presence:disconnected")
	assert.Contains(t, log, "set:presence:connected")
	// presence order: connected (synced) -> disconnected -> connected again
	assert.Equal(t, "set:presence:connected", log[len(log)-1])

	// the connection survives the cycle
	assert.Equal(t, 0, conn.countCalls("disconnect"))
	assert.Equal(t, 0, conn.countCalls("destroy"))
	assert.Same(t, Conn(conn), c.Snapshot().Conn)
	assert.Equal(t, 1, ff.count())
}

func TestControllerCredentialStates(t *testing.T) {
	t.Run("loading", func(t *testing.T) {
		ff := &fakeFactory{}
		c := newTestController(t, token.Static{Load: true}, ff)

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		snap := c.Snapshot()
		assert.True(t, snap.IsLoading)
		assert.False(t, snap.IsReady)
		assert.Equal(t, 0, ff.count(), "no connection attempted while loading")
	})

	t.Run("error falls back to offline editing", func(t *testing.T) {
		ff := &fakeFactory{}
		c := newTestController(t, token.Static{Err: true}, ff)

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		snap := c.Snapshot()

		assert.True(t, snap.IsReady)
		assert.False(t, snap.IsLoading)
		assert.NoError(t, snap.Err)
		require.NotNil(t, snap.Features)
		assert.Equal(t, ModeOffline, snap.Features.Mode)
		assert.Equal(t, 0, ff.count())
	})

	t.Run("provider construction failure is not fatal", func(t *testing.T) {
		ff := &fakeFactory{err: errors.New("boom")}
		c := newTestController(t, token.Static{Cred: testCred()}, ff)

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		snap := c.Snapshot()

		assert.True(t, snap.IsReady)
		assert.NoError(t, snap.Err)
		require.NotNil(t, snap.Features)
		assert.Equal(t, ModeOffline, snap.Features.Mode)
	})

	t.Run("connect failure is not fatal", func(t *testing.T) {
		ff := &fakeFactory{}
		src := token.Static{Cred: testCred()}
		c, err := New(Config{
			RelayURL: "ws://relay.test",
			Tokens:   src,
			Logger:   zerolog.Nop(),
			NewConn: func(opts relay.Options) (Conn, error) {
				conn, _ := ff.new(opts)
				conn.(*fakeConn).connectFn = func() error { return errors.New("refused") }
				return conn, nil
			},
		})
		require.NoError(t, err)
		defer c.Close()

		c.Update(Inputs{SessionID: "s1", User: testUser()})
		snap := c.Snapshot()

		assert.True(t, snap.IsReady)
		require.NotNil(t, snap.Features)
		assert.Equal(t, ModeOffline, snap.Features.Mode)
	})
}

func TestControllerFeatureBuildError(t *testing.T) {
	ff := &fakeFactory{}
	c, err := New(Config{
		RelayURL: "ws://relay.test",
		Tokens:   token.Static{Cred: testCred()},
		Logger:   zerolog.Nop(),
		NewConn:  ff.new,
		BuildCollab: func(*session.Doc, Conn, identity.User) (*Features, error) {
			return nil, errors.New("extension init blew up")
		},
	})
	require.NoError(t, err)
	defer c.Close()

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	ff.last().fire(relay.EventSynced, relay.Payload{})

	snap := c.Snapshot()
	assert.Error(t, snap.Err)
	assert.False(t, snap.IsReady)
}

func TestControllerRoster(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestController(t, token.Static{Cred: testCred()}, ff)

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	conn := ff.last()

	conn.fire(relay.EventAwareness, relay.Payload{States: []relay.AwarenessState{
		{ClientID: "c1", State: map[string]any{presence.Field: map[string]any{
			"id": "u1", "name": "Ada", "status": presence.StatusConnected,
		}}},
		{ClientID: "c2", State: map[string]any{presence.Field: map[string]any{
			"id": "u2", "name": "Ben", "status": presence.StatusConnected,
		}}},
		{ClientID: "c3", State: map[string]any{"unrelated": true}},
	}})

	roster := c.Snapshot().Roster
	assert.Len(t, roster.Participants, 2)
	require.NotNil(t, roster.Self)
	assert.Equal(t, "u1", roster.Self.ID)

	// full rebuild: departed peer disappears
	conn.fire(relay.EventAwareness, relay.Payload{States: []relay.AwarenessState{
		{ClientID: "c1", State: map[string]any{presence.Field: map[string]any{
			"id": "u1", "name": "Ada", "status": presence.StatusConnected,
		}}},
	}})
	assert.Len(t, c.Snapshot().Roster.Participants, 1)
}

func TestControllerLogout(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	ff := &fakeFactory{}
	c, err := New(Config{
		RelayURL: "ws://relay.test",
		Tokens:   token.Static{Cred: testCred()},
		Registry: reg,
		Logger:   zerolog.Nop(),
		NewConn:  ff.new,
	})
	require.NoError(t, err)

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	conn := ff.last()
	conn.fire(relay.EventSynced, relay.Payload{})

	reg.Fire()

	select {
	case <-conn.destroyed:
	case <-time.After(time.Second):
		t.Fatal("destroy never observed after logout")
	}

	log := conn.callLog()
	var tail []string
	for _, call := range log {
		switch call {
		case "set:presence:nil", "disconnect", "destroy":
			tail = append(tail, call)
		}
	}
	assert.Equal(t, []string{"set:presence:nil", "disconnect", "destroy"}, tail)

	// unmount after logout unregisters the callback
	c.Close()
	assert.Equal(t, 0, reg.Len())
}

func TestControllerResetCache(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestController(t, token.Static{Cred: testCred()}, ff)

	c.Update(Inputs{SessionID: "s1", User: testUser()})
	conn := ff.last()
	conn.fire(relay.EventSynced, relay.Payload{})
	firstDoc := c.Snapshot().Doc

	c.ResetCache()

	snap := c.Snapshot()
	assert.Nil(t, snap.Doc)
	assert.Nil(t, snap.Features)
	assert.False(t, snap.IsReady)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 1, conn.countCalls("disconnect"))
	assert.Equal(t, 1, conn.countCalls("destroy"))

	// next update starts from scratch
	c.Update(Inputs{SessionID: "s1", User: testUser()})
	assert.NotSame(t, firstDoc, c.Snapshot().Doc)
	assert.Equal(t, 2, ff.count())
}

func TestControllerSequentialMounts(t *testing.T) {
	cache := session.NewDocCache()
	src := token.Static{Cred: testCred()}

	ff := &fakeFactory{}
	first, err := New(Config{RelayURL: "ws://relay.test", Tokens: src, Logger: zerolog.Nop(), NewConn: ff.new, Cache: cache})
	require.NoError(t, err)
	first.Update(Inputs{SessionID: "s1", User: testUser()})
	firstConn := ff.last()
	first.Close()

	assert.Equal(t, 1, firstConn.countCalls("disconnect"))

	second, err := New(Config{RelayURL: "ws://relay.test", Tokens: src, Logger: zerolog.Nop(), NewConn: ff.new, Cache: cache})
	require.NoError(t, err)
	defer second.Close()
	second.Update(Inputs{SessionID: "s1", User: testUser()})

	assert.Equal(t, 2, ff.count(), "no connection reuse across unmount boundaries")
	assert.NotSame(t, firstConn, ff.last())
}
