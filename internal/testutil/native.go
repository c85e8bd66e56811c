package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
)

// Post is one message the registry handed to a Native.
type Post struct {
	Peer      extension.Peer
	Instance  int64
	Msg       string
	Binary    bool
	Broadcast bool
}

// Native is an extension.Native that records posts instead of delivering
// them.
type Native struct {
	mu        sync.Mutex
	next      extension.Peer
	live      map[extension.Peer]string
	destroyed []extension.Peer
	posts     []Post
}

var _ extension.Native = (*Native)(nil)

// NewNative returns an empty recording Native.
func NewNative() *Native {
	return &Native{live: make(map[extension.Peer]string)}
}

func (n *Native) CreatePeer(name, _ string, _ []string, _ extension.Upcalls) extension.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.live[n.next] = name
	return n.next
}

func (n *Native) DestroyPeer(p extension.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.live, p)
	n.destroyed = append(n.destroyed, p)
}

func (n *Native) PostMessage(p extension.Peer, instance int64, msg string) {
	n.record(Post{Peer: p, Instance: instance, Msg: msg})
}

func (n *Native) PostBinaryMessage(p extension.Peer, instance int64, msg []byte) {
	n.record(Post{Peer: p, Instance: instance, Msg: string(msg), Binary: true})
}

func (n *Native) BroadcastMessage(p extension.Peer, msg string) {
	n.record(Post{Peer: p, Msg: msg, Broadcast: true})
}

func (n *Native) record(p Post) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, p)
}

// Posts returns a copy of the recorded posts.
func (n *Native) Posts() []Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.posts)
}

// TakePosts returns and clears the recorded posts.
func (n *Native) TakePosts() []Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.posts
	n.posts = nil
	return p
}

// Destroyed returns the peers destroyed so far, in order.
func (n *Native) Destroyed() []extension.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.destroyed)
}

// Harness drives one extension handler through a real Registry backed by a
// recording Native, standing in for script contexts.
type Harness struct {
	T        testing.TB
	Native   *Native
	Registry *extension.Registry
	Ext      *extension.Extension
	Logs     *SyncBuffer
}

// NewHarness registers h under def. The registry is closed on cleanup.
func NewHarness(t testing.TB, def extension.Definition, h extension.Handler) *Harness {
	t.Helper()
	logs := &SyncBuffer{}
	native := NewNative()
	reg := extension.NewRegistry(native, extension.WithLogger(NewLogger(logs)))
	ext, err := reg.Register(def, h)
	if err != nil {
		t.Fatalf("register %s: %v", def.Name, err)
	}
	t.Cleanup(reg.Close)
	return &Harness{T: t, Native: native, Registry: reg, Ext: ext, Logs: logs}
}

// Create binds a new instance.
func (h *Harness) Create(id int64) { h.Registry.OnInstanceCreated(h.Ext.Peer(), id) }

// Destroy tears an instance down.
func (h *Harness) Destroy(id int64) { h.Registry.OnInstanceDestroyed(h.Ext.Peer(), id) }

// Send delivers an asynchronous message from an instance.
func (h *Harness) Send(id int64, msg string) { h.Registry.OnMessage(h.Ext.Peer(), id, msg) }

// SendSync delivers a synchronous message and returns the reply.
func (h *Harness) SendSync(id int64, msg string) string {
	return h.Registry.OnSyncMessage(h.Ext.Peer(), id, msg)
}

// SendBinary delivers a binary message.
func (h *Harness) SendBinary(id int64, msg []byte) {
	h.Registry.OnBinaryMessage(h.Ext.Peer(), id, msg)
}

// SendJSON marshals v and sends it asynchronously.
func (h *Harness) SendJSON(id int64, v any) { h.Send(id, h.mustJSON(v)) }

// SendSyncJSON marshals v, sends it synchronously and unmarshals the reply
// into a map. An empty reply yields nil.
func (h *Harness) SendSyncJSON(id int64, v any) map[string]any {
	h.T.Helper()
	reply := h.SendSync(id, h.mustJSON(v))
	if reply == "" {
		return nil
	}
	return h.decode(reply)
}

// TakeJSON returns and clears the recorded posts, each decoded as a JSON
// object.
func (h *Harness) TakeJSON() []map[string]any {
	h.T.Helper()
	var out []map[string]any
	for _, p := range h.Native.TakePosts() {
		out = append(out, h.decode(p.Msg))
	}
	return out
}

// WaitPosts waits until at least n posts are recorded and returns them
// without clearing.
func (h *Harness) WaitPosts(n int) []Post {
	h.T.Helper()
	posts, err := WaitForState(context.Background(), h.Native.Posts,
		func(p []Post) bool { return len(p) >= n }, DeliveryTimeout, PollingInterval)
	if err != nil {
		h.T.Fatalf("waiting for %d posts: %v (have %d)", n, err, len(h.Native.Posts()))
	}
	return posts
}

func (h *Harness) mustJSON(v any) string {
	h.T.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		h.T.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func (h *Harness) decode(s string) map[string]any {
	h.T.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		h.T.Fatalf("decode %q: %v", s, err)
	}
	return m
}

// SyncBuffer is a bytes.Buffer safe for concurrent use, for capturing logs.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewLogger returns a debug-level text logger writing to w.
func NewLogger(w *SyncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
