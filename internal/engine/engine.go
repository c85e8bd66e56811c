// Package engine is the in-process native peer: it hosts script contexts on
// goja runtimes and exposes every registered extension to them.
//
// All script contexts share one engine loop (a mainthread.Thread distinct
// from the host thread). Upcalls to the extension registry are posted to the
// host thread; synchronous messages block the engine loop until the host
// thread has produced a reply. Nothing on the host thread ever waits for the
// engine loop, so the two cannot deadlock.
package engine

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
)

var (
	// ErrClosed is returned by operations on a closed engine or context.
	ErrClosed = errors.New("engine: closed")

	// ErrHostThread is returned when a blocking engine call is made from the
	// host thread. The engine loop may itself be waiting on the host thread.
	ErrHostThread = errors.New("engine: blocking call from host thread")
)

// Engine implements extension.Native on goja.
type Engine struct {
	host     *mainthread.Thread
	loop     *mainthread.Thread
	registry *require.Registry
	logger   *slog.Logger
	console  console.Printer

	mu       sync.Mutex
	closed   bool
	nextPeer extension.Peer
	peers    map[extension.Peer]*peer
	order    []*peer
	contexts map[uuid.UUID]*Context
}

var _ extension.Native = (*Engine)(nil)

type peer struct {
	id          extension.Peer
	name        string
	jsAPI       string
	entryPoints []string
	up          extension.Upcalls

	// Guarded by Engine.mu.
	destroyed    bool
	nextInstance int64
	bindings     map[int64]*binding
}

// binding is one instance: an extension bound into one context.
type binding struct {
	ctx  *Context
	peer *peer
	id   int64

	// Guarded by Engine.mu.
	dead bool

	// Engine loop only.
	listener goja.Callable
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegistry sets the registry requireNative resolves against. Modules
// must be registered before the contexts that use them are created.
func WithRegistry(r *require.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithConsole sends script console output to p instead of the logger.
func WithConsole(p console.Printer) Option {
	return func(e *Engine) { e.console = p }
}

// New starts an engine loop. Upcalls are delivered on host. Cancelling ctx
// closes the engine.
func New(ctx context.Context, host *mainthread.Thread, opts ...Option) (*Engine, error) {
	e := &Engine{
		host:     host,
		logger:   slog.Default(),
		peers:    make(map[extension.Peer]*peer),
		contexts: make(map[uuid.UUID]*Context),
	}
	for _, o := range opts {
		o(e)
	}
	if e.registry == nil {
		e.registry = require.NewRegistry()
	}
	if e.console == nil {
		e.console = consolePrinter{logger: e.logger.With(slog.String("source", "console"))}
	}
	registerModules(e.registry, e.console)

	loop, err := mainthread.New(context.Background(), mainthread.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to start engine loop: %w", err)
	}
	e.loop = loop
	if ctx.Done() != nil {
		context.AfterFunc(ctx, e.Close)
	}
	return e, nil
}

// Registry returns the require.Registry backing requireNative.
func (e *Engine) Registry() *require.Registry { return e.registry }

// CreatePeer implements extension.Native. The peer binds into contexts
// created from now on; existing contexts are unaffected.
func (e *Engine) CreatePeer(name, jsAPI string, entryPoints []string, up extension.Upcalls) extension.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return extension.InvalidPeer
	}
	e.nextPeer++
	p := &peer{
		id:          e.nextPeer,
		name:        name,
		jsAPI:       jsAPI,
		entryPoints: slices.Clone(entryPoints),
		up:          up,
		bindings:    make(map[int64]*binding),
	}
	e.peers[p.id] = p
	e.order = append(e.order, p)
	return p.id
}

// DestroyPeer implements extension.Native. Existing bindings stay in their
// contexts but become inert.
func (e *Engine) DestroyPeer(id extension.Peer) {
	e.mu.Lock()
	p, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.peers, id)
	e.order = slices.DeleteFunc(e.order, func(q *peer) bool { return q == p })
	p.destroyed = true
	dead := make([]*binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		b.dead = true
		dead = append(dead, b)
	}
	clear(p.bindings)
	e.mu.Unlock()

	e.loop.Post(func(*goja.Runtime) {
		for _, b := range dead {
			b.listener = nil
		}
	})
}

// PostMessage implements extension.Native.
func (e *Engine) PostMessage(id extension.Peer, instance int64, msg string) {
	if b := e.lookup(id, instance); b != nil {
		e.loop.Post(func(*goja.Runtime) { b.deliver(b.ctx.vm.ToValue(msg)) })
	}
}

// PostBinaryMessage implements extension.Native. Script receives an
// ArrayBuffer.
func (e *Engine) PostBinaryMessage(id extension.Peer, instance int64, msg []byte) {
	if b := e.lookup(id, instance); b != nil {
		data := slices.Clone(msg)
		e.loop.Post(func(*goja.Runtime) { b.deliver(b.ctx.vm.ToValue(b.ctx.vm.NewArrayBuffer(data))) })
	}
}

// BroadcastMessage implements extension.Native.
func (e *Engine) BroadcastMessage(id extension.Peer, msg string) {
	e.mu.Lock()
	p, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	targets := make([]*binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		targets = append(targets, b)
	}
	e.mu.Unlock()
	slices.SortFunc(targets, func(a, b *binding) int { return cmp.Compare(a.id, b.id) })

	e.loop.Post(func(*goja.Runtime) {
		for _, b := range targets {
			b.deliver(b.ctx.vm.ToValue(msg))
		}
	})
}

// lookup returns the live binding, or nil: posts to instances that have gone
// away are dropped.
func (e *Engine) lookup(id extension.Peer, instance int64) *binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return nil
	}
	b := p.bindings[instance]
	if b == nil {
		e.logger.Debug("dropping post for unknown instance", slog.String("extension", p.name), slog.Int64("instance", instance))
	}
	return b
}

func (b *binding) alive() bool {
	e := b.ctx.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return !b.dead
}

// deliver calls the instance's message listener. Engine loop only.
func (b *binding) deliver(msg goja.Value) {
	if !b.alive() {
		return
	}
	if b.listener == nil {
		b.ctx.engine.logger.Debug("no message listener", slog.String("extension", b.peer.name), slog.Int64("instance", b.id))
		return
	}
	if _, err := b.listener(goja.Undefined(), msg); err != nil {
		b.ctx.engine.logger.Warn("message listener threw",
			slog.String("extension", b.peer.name),
			slog.Int64("instance", b.id),
			slog.Any("error", err))
	}
}

// NewContext creates a script context with every live extension available:
// eagerly bound if it has no entry points, lazily otherwise.
func (e *Engine) NewContext() (*Context, error) {
	if e.host.OnThread() {
		return nil, ErrHostThread
	}
	c := &Context{id: uuid.New(), engine: e, lazy: make(map[*peer][]lazyEntry)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	peers := slices.Clone(e.order)
	e.contexts[c.id] = c
	e.mu.Unlock()

	if err := e.loop.TrySync(nil, func(*goja.Runtime) error { return c.setup(peers) }); err != nil {
		_ = c.Close()
		return nil, err
	}
	e.logger.Debug("script context created", slog.String("context", c.id.String()), slog.Int("peers", len(peers)))
	return c, nil
}

// Contexts returns the IDs of the open contexts, sorted.
func (e *Engine) Contexts() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := slices.Collect(maps.Keys(e.contexts))
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

// Close closes every context and stops the engine loop. Instances bound in
// those contexts are reported destroyed. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	contexts := make([]*Context, 0, len(e.contexts))
	for _, c := range e.contexts {
		contexts = append(contexts, c)
	}
	e.mu.Unlock()

	for _, c := range contexts {
		if err := c.Close(); err != nil {
			e.logger.Debug("closing context", slog.String("context", c.id.String()), slog.Any("error", err))
		}
	}
	e.loop.Stop()
}

// allocate creates a binding of p in c, or returns nil if p is destroyed.
func (e *Engine) allocate(c *Context, p *peer) *binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.destroyed || c.closed {
		return nil
	}
	p.nextInstance++
	b := &binding{ctx: c, peer: p, id: p.nextInstance}
	p.bindings[b.id] = b
	c.bindings = append(c.bindings, b)
	return b
}

func (e *Engine) upcall(what string, b *binding, fn func()) {
	if !e.host.Post(func(*goja.Runtime) { fn() }) {
		e.logger.Warn("host thread stopped, dropping upcall",
			slog.String("upcall", what),
			slog.String("extension", b.peer.name),
			slog.Int64("instance", b.id))
	}
}
