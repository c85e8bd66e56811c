// Package remote is a native peer whose script contexts live on the other
// end of a websocket. Each connection is one remote script context; it binds
// extensions by name and exchanges messages keyed by instance ID.
//
// Text frames carry JSON (see Frame); binary frames carry an 8-byte
// big-endian instance ID followed by the payload. Instance IDs are unique
// across the whole server, so one ID addresses one (extension, connection)
// pair.
package remote

import (
	"cmp"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
)

// DefaultSyncTimeout bounds how long a sync request waits for the host.
const DefaultSyncTimeout = 10 * time.Second

// Server implements extension.Native and http.Handler.
type Server struct {
	host        *mainthread.Thread
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	syncTimeout time.Duration
	sendBuffer  int

	mu           sync.Mutex
	closed       bool
	nextPeer     extension.Peer
	nextInstance int64
	peers        map[extension.Peer]*peer
	byName       map[string]*peer
	instances    map[int64]*instance
	conns        map[*conn]struct{}
}

var (
	_ extension.Native = (*Server)(nil)
	_ http.Handler     = (*Server)(nil)
)

type peer struct {
	id          extension.Peer
	name        string
	jsAPI       string
	entryPoints []string
	up          extension.Upcalls
}

type instance struct {
	id   int64
	peer *peer
	conn *conn

	// pending is set while a sync request is outstanding. Guarded by
	// Server.mu.
	pending bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSyncTimeout bounds how long sync requests wait for a reply. Zero
// waits until the connection closes.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Server) { s.syncTimeout = d }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer returns a Server delivering upcalls on host.
func NewServer(host *mainthread.Thread, opts ...Option) *Server {
	s := &Server{
		host:        host,
		logger:      slog.Default(),
		syncTimeout: DefaultSyncTimeout,
		sendBuffer:  256,
		peers:       make(map[extension.Peer]*peer),
		byName:      make(map[string]*peer),
		instances:   make(map[int64]*instance),
		conns:       make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreatePeer implements extension.Native.
func (s *Server) CreatePeer(name, jsAPI string, entryPoints []string, up extension.Upcalls) extension.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return extension.InvalidPeer
	}
	s.nextPeer++
	p := &peer{id: s.nextPeer, name: name, jsAPI: jsAPI, entryPoints: slices.Clone(entryPoints), up: up}
	s.peers[p.id] = p
	s.byName[name] = p
	return p.id
}

// DestroyPeer implements extension.Native. Instances of the peer are
// forgotten; later frames addressing them get an error reply.
func (s *Server) DestroyPeer(id extension.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	if s.byName[p.name] == p {
		delete(s.byName, p.name)
	}
	for iid, in := range s.instances {
		if in.peer == p {
			delete(s.instances, iid)
		}
	}
}

// PostMessage implements extension.Native.
func (s *Server) PostMessage(id extension.Peer, instance int64, msg string) {
	if in := s.lookup(id, instance); in != nil {
		in.conn.sendJSON(Frame{Op: OpMessage, Instance: instance, Message: msg})
	}
}

// PostBinaryMessage implements extension.Native.
func (s *Server) PostBinaryMessage(id extension.Peer, instance int64, msg []byte) {
	if in := s.lookup(id, instance); in != nil {
		in.conn.send(outbound{kind: websocket.BinaryMessage, data: encodeBinary(instance, msg)})
	}
}

// BroadcastMessage implements extension.Native.
func (s *Server) BroadcastMessage(id extension.Peer, msg string) {
	s.mu.Lock()
	var targets []*instance
	for _, in := range s.instances {
		if in.peer.id == id {
			targets = append(targets, in)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(targets, func(a, b *instance) int { return cmp.Compare(a.id, b.id) })
	for _, in := range targets {
		in.conn.sendJSON(Frame{Op: OpMessage, Instance: in.id, Message: msg})
	}
}

func (s *Server) lookup(id extension.Peer, iid int64) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[iid]
	if !ok || in.peer.id != id {
		s.logger.Debug("dropping post for unknown instance", slog.Int64("peer", int64(id)), slog.Int64("instance", iid))
		return nil
	}
	return in
}

// Descriptors lists the extensions available to bind, sorted by name.
func (s *Server) Descriptors() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, Descriptor{Name: p.name, JSAPI: p.jsAPI, EntryPoints: slices.Clone(p.entryPoints)})
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}
	c := newConn(s, ws, r.RemoteAddr)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.serve()
}

// Close disconnects every client and refuses new peers and connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) upcall(what string, in *instance, fn func()) bool {
	if s.host.Post(func(*goja.Runtime) { fn() }) {
		return true
	}
	s.logger.Warn("host thread stopped, dropping upcall",
		slog.String("upcall", what),
		slog.String("extension", in.peer.name),
		slog.Int64("instance", in.id))
	return false
}
