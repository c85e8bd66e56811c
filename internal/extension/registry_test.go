package extension

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type post struct {
	peer     Peer
	instance int64 // 0 for broadcasts
	msg      string
	binary   bool
}

// fakeNative records everything the registry asks of it.
type fakeNative struct {
	mu        sync.Mutex
	next      Peer
	fail      bool
	upcalls   map[Peer]Upcalls
	destroyed []Peer
	posts     []post
}

func newFakeNative() *fakeNative {
	return &fakeNative{upcalls: make(map[Peer]Upcalls)}
}

func (f *fakeNative) CreatePeer(name, jsAPI string, entryPoints []string, up Upcalls) Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return InvalidPeer
	}
	f.next++
	f.upcalls[f.next] = up
	return f.next
}

func (f *fakeNative) DestroyPeer(p Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upcalls, p)
	f.destroyed = append(f.destroyed, p)
}

func (f *fakeNative) PostMessage(p Peer, instance int64, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{peer: p, instance: instance, msg: msg})
}

func (f *fakeNative) PostBinaryMessage(p Peer, instance int64, msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{peer: p, instance: instance, msg: string(msg), binary: true})
}

func (f *fakeNative) BroadcastMessage(p Peer, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{peer: p, msg: msg})
}

func (f *fakeNative) takePosts() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.posts
	f.posts = nil
	return p
}

// echoHandler replies to every message, and says goodbye to the survivors
// when an instance goes away.
type echoHandler struct {
	BaseHandler
	mu        sync.Mutex
	created   []int64
	destroyed []int64
	shutdowns int
}

func (h *echoHandler) OnInstanceCreated(id int64) {
	h.mu.Lock()
	h.created = append(h.created, id)
	h.mu.Unlock()
}

func (h *echoHandler) OnInstanceDestroyed(id int64) {
	h.mu.Lock()
	h.destroyed = append(h.destroyed, id)
	h.mu.Unlock()
	h.BroadcastMessage("gone")
}

func (h *echoHandler) OnMessage(id int64, msg string) { h.PostMessage(id, "From java:"+msg) }

func (h *echoHandler) OnSyncMessage(_ int64, msg string) string {
	if !strings.HasPrefix(msg, "{") {
		return ""
	}
	return "From java:" + msg
}

func (h *echoHandler) OnBinaryMessage(id int64, msg []byte) { h.PostBinaryMessage(id, msg) }

func (h *echoHandler) Shutdown() {
	h.mu.Lock()
	h.shutdowns++
	h.mu.Unlock()
}

type panicHandler struct{ BaseHandler }

func (panicHandler) OnMessage(int64, string)            { panic("broken handler") }
func (panicHandler) OnSyncMessage(int64, string) string { panic("broken handler") }

func newRegistry(t *testing.T) (*Registry, *fakeNative, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	native := newFakeNative()
	r := NewRegistry(native, WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	return r, native, &buf
}

func TestRegistry_EchoRoundTrip(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	h := &echoHandler{}
	ext, err := r.Register(Definition{Name: "echo", JSAPI: "exports.x = 1;"}, h)
	require.NoError(t, err)
	p := ext.Peer()
	require.True(t, p.Valid())
	require.Same(t, ext, h.Extension())

	r.OnInstanceCreated(p, 1)
	assert.Equal(t, []int64{1}, ext.Instances())
	assert.Equal(t, Bound, ext.InstanceState(1))

	r.OnMessage(p, 1, "ping")
	assert.Equal(t, []post{{peer: p, instance: 1, msg: "From java:ping"}}, native.takePosts())

	assert.Equal(t, `From java:{"a":1}`, r.OnSyncMessage(p, 1, `{"a":1}`))

	r.OnBinaryMessage(p, 1, []byte{0, 1, 2})
	assert.Equal(t, []post{{peer: p, instance: 1, msg: "\x00\x01\x02", binary: true}}, native.takePosts())
}

func TestRegistry_PresenceBroadcast(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	h := &echoHandler{}
	ext, err := r.Register(Definition{Name: "presence"}, h)
	require.NoError(t, err)
	p := ext.Peer()

	r.OnInstanceCreated(p, 1)
	r.OnInstanceCreated(p, 2)
	r.OnInstanceDestroyed(p, 1)

	assert.Equal(t, []int64{1, 2}, h.created)
	assert.Equal(t, []int64{1}, h.destroyed)
	assert.Equal(t, []int64{2}, ext.Instances())
	assert.Equal(t, TornDown, ext.InstanceState(1))
	assert.Equal(t, []post{{peer: p, msg: "gone"}}, native.takePosts())

	// a second destroy for the same ID is not delivered
	r.OnInstanceDestroyed(p, 1)
	assert.Equal(t, []int64{1}, h.destroyed)
}

func TestRegistry_MalformedSyncDoesNotDisturbLaterMessages(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	ext, err := r.Register(Definition{Name: "echo"}, &echoHandler{})
	require.NoError(t, err)
	p := ext.Peer()
	r.OnInstanceCreated(p, 1)

	assert.Equal(t, "", r.OnSyncMessage(p, 1, "not json"))
	r.OnMessage(p, 1, "after")
	assert.Equal(t, []post{{peer: p, instance: 1, msg: "From java:after"}}, native.takePosts())
}

func TestRegistry_DestroyIsIdempotentAndInvalidates(t *testing.T) {
	t.Parallel()
	r, native, logs := newRegistry(t)
	h := &echoHandler{}
	ext, err := r.Register(Definition{Name: "echo", EntryPoints: []string{"echo2"}}, h)
	require.NoError(t, err)
	p := ext.Peer()
	r.OnInstanceCreated(p, 1)

	r.Destroy(p)
	r.Destroy(p)
	ext.Destroy()

	assert.True(t, ext.Destroyed())
	assert.Equal(t, InvalidPeer, ext.Peer())
	assert.Equal(t, []Peer{p}, native.destroyed)
	assert.Equal(t, 1, h.shutdowns)
	assert.Equal(t, TornDown, ext.InstanceState(1))
	assert.Empty(t, ext.Instances())
	assert.Contains(t, logs.String(), "destroy on invalid peer")

	_, ok := r.Lookup("echo")
	assert.False(t, ok)

	// posts through a dead handle are logged no-ops
	r.PostMessage(p, 1, "x")
	r.BroadcastMessage(p, "x")
	r.PostBinaryMessage(p, 1, []byte("x"))
	h.PostMessage(1, "x")
	assert.Empty(t, native.takePosts())
	assert.Contains(t, logs.String(), "post on invalid peer")

	// late upcalls are dropped
	r.OnMessage(p, 1, "late")
	assert.Equal(t, "", r.OnSyncMessage(p, 1, "late"))
	assert.Empty(t, native.takePosts())

	// the name and entry point are free again
	again, err := r.Register(Definition{Name: "echo2"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, p, again.Peer())
}

func TestRegistry_UnknownInstanceIsDropped(t *testing.T) {
	t.Parallel()
	r, native, logs := newRegistry(t)
	ext, err := r.Register(Definition{Name: "echo"}, &echoHandler{})
	require.NoError(t, err)
	p := ext.Peer()

	r.OnMessage(p, 7, "hi")
	assert.Equal(t, "", r.OnSyncMessage(p, 7, "{}"))
	r.OnMessage(Peer(999), 1, "hi")
	assert.Empty(t, native.takePosts())
	assert.Contains(t, logs.String(), "dropping upcall for unknown instance")
}

func TestRegistry_InstanceIDsAreNotReused(t *testing.T) {
	t.Parallel()
	r, _, logs := newRegistry(t)
	h := &echoHandler{}
	ext, err := r.Register(Definition{Name: "echo"}, h)
	require.NoError(t, err)
	p := ext.Peer()

	r.OnInstanceCreated(p, 1)
	r.OnInstanceCreated(p, 1)
	r.OnInstanceDestroyed(p, 1)
	r.OnInstanceCreated(p, 1)
	r.OnInstanceCreated(p, 0)

	assert.Equal(t, []int64{1}, h.created)
	assert.Equal(t, TornDown, ext.InstanceState(1))
	assert.Contains(t, logs.String(), "instance id reused")
	assert.Contains(t, logs.String(), "invalid instance id")
}

func TestRegistry_RegisterValidation(t *testing.T) {
	t.Parallel()
	r, _, _ := newRegistry(t)
	_, err := r.Register(Definition{Name: "a.b", EntryPoints: []string{"c", "d.e"}}, nil)
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		def  Definition
		err  error
	}{
		{"empty name", Definition{Name: ""}, ErrInvalidName},
		{"bad name", Definition{Name: "1abc"}, ErrInvalidName},
		{"trailing dot", Definition{Name: "a."}, ErrInvalidName},
		{"bad entry point", Definition{Name: "x", EntryPoints: []string{"no-dash"}}, ErrInvalidName},
		{"entry point is a name", Definition{Name: "y", EntryPoints: []string{"a.b"}}, ErrEntryPointClash},
		{"entry point is an entry point", Definition{Name: "z", EntryPoints: []string{"d.e"}}, ErrEntryPointClash},
		{"name is an entry point", Definition{Name: "c"}, ErrEntryPointClash},
		{"duplicate entry point", Definition{Name: "w", EntryPoints: []string{"q", "q"}}, ErrEntryPointClash},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(tc.def, nil)
			require.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, []string{"a.b"}, r.Names())
}

func TestRegistry_ReRegisterRebindsHandler(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	first, err := r.Register(Definition{Name: "echo"}, &BaseHandler{})
	require.NoError(t, err)
	r.OnInstanceCreated(first.Peer(), 1)

	h := &echoHandler{}
	second, err := r.Register(Definition{Name: "echo"}, h)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Same(t, second, h.Extension())

	r.OnMessage(first.Peer(), 1, "ping")
	assert.Equal(t, []post{{peer: first.Peer(), instance: 1, msg: "From java:ping"}}, native.takePosts())

	// the replaced handler is shut down, the new one is not
	third, err := r.Register(Definition{Name: "echo"}, &echoHandler{})
	require.NoError(t, err)
	require.Same(t, first, third)
	assert.Equal(t, 1, h.shutdowns)
	assert.False(t, third.Destroyed())
}

// sessionHandler only answers instances it was told about.
type sessionHandler struct {
	BaseHandler
	known map[int64]bool
}

func (h *sessionHandler) OnInstanceCreated(id int64)   { h.known[id] = true }
func (h *sessionHandler) OnInstanceDestroyed(id int64) { delete(h.known, id) }

func (h *sessionHandler) OnMessage(id int64, msg string) {
	if !h.known[id] {
		h.PostMessage(id, "InvalidStateError")
		return
	}
	h.PostMessage(id, "ok:"+msg)
}

func TestRegistry_ReRegisterReplaysLiveInstances(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	ext, err := r.Register(Definition{Name: "session"}, &sessionHandler{known: map[int64]bool{}})
	require.NoError(t, err)
	p := ext.Peer()
	r.OnInstanceCreated(p, 1)
	r.OnInstanceCreated(p, 2)
	r.OnInstanceCreated(p, 3)
	r.OnInstanceDestroyed(p, 2)

	h := &sessionHandler{known: map[int64]bool{}}
	_, err = r.Register(Definition{Name: "session"}, h)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 3: true}, h.known)

	r.OnMessage(p, 1, "add")
	r.OnMessage(p, 3, "add")
	assert.Equal(t, []post{
		{peer: p, instance: 1, msg: "ok:add"},
		{peer: p, instance: 3, msg: "ok:add"},
	}, native.takePosts())

	// the same handler again is not told twice
	h.known = map[int64]bool{}
	_, err = r.Register(Definition{Name: "session"}, h)
	require.NoError(t, err)
	assert.Empty(t, h.known)
}

func TestRegistry_FailedRegisterUnbindsHandler(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	native.fail = true
	h := &echoHandler{}
	_, err := r.Register(Definition{Name: "echo"}, h)
	require.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Nil(t, h.Extension())
	_, ok := r.Lookup("echo")
	assert.False(t, ok)
}

func TestRegistry_GetOrCreatePeer(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)

	p := r.GetOrCreatePeer("echo", "", nil)
	require.True(t, p.Valid())
	assert.Equal(t, p, r.GetOrCreatePeer("echo", "", nil))
	assert.Equal(t, InvalidPeer, r.GetOrCreatePeer("bad name", "", nil))

	native.mu.Lock()
	native.fail = true
	native.mu.Unlock()
	assert.Equal(t, InvalidPeer, r.GetOrCreatePeer("other", "", nil))
	_, err := r.Register(Definition{Name: "other"}, nil)
	require.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestRegistry_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	r, _, logs := newRegistry(t)
	ext, err := r.Register(Definition{Name: "broken"}, &panicHandler{})
	require.NoError(t, err)
	p := ext.Peer()
	r.OnInstanceCreated(p, 1)

	assert.NotPanics(t, func() {
		r.OnMessage(p, 1, "x")
		assert.Equal(t, "", r.OnSyncMessage(p, 1, "x"))
	})
	assert.Contains(t, logs.String(), "extension handler panicked")
}

func TestRegistry_InstanceData(t *testing.T) {
	t.Parallel()
	r, _, _ := newRegistry(t)
	ext, err := r.Register(Definition{Name: "data"}, nil)
	require.NoError(t, err)
	p := ext.Peer()

	assert.False(t, ext.SetInstanceData(1, "x"))
	r.OnInstanceCreated(p, 1)
	_, ok := ext.InstanceData(1)
	assert.False(t, ok)
	require.True(t, ext.SetInstanceData(1, "x"))
	v, ok := ext.InstanceData(1)
	require.True(t, ok)
	assert.Equal(t, "x", v)

	r.OnInstanceDestroyed(p, 1)
	_, ok = ext.InstanceData(1)
	assert.False(t, ok)
	assert.False(t, ext.SetInstanceData(1, "y"))
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()
	r, native, _ := newRegistry(t)
	a, err := r.Register(Definition{Name: "a"}, nil)
	require.NoError(t, err)
	b, err := r.Register(Definition{Name: "b"}, nil)
	require.NoError(t, err)
	pa, pb := a.Peer(), b.Peer()

	r.Close()
	assert.Empty(t, r.Names())
	assert.Equal(t, []Peer{pa, pb}, native.destroyed)
}
