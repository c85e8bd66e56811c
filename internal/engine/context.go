package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
)

// Context is one script context: a goja runtime on the engine loop, with
// its own instance of every extension it has bound.
type Context struct {
	id     uuid.UUID
	engine *Engine

	// Guarded by Engine.mu.
	closed   bool
	bindings []*binding

	// Engine loop only.
	vm      *goja.Runtime
	require *require.RequireModule
	lazy    map[*peer][]lazyEntry
}

// lazyEntry is an entry point accessor waiting for first access.
type lazyEntry struct {
	parent *goja.Object
	prop   string
}

// ID returns the context's identifier.
func (c *Context) ID() uuid.UUID { return c.id }

// Instances returns the instance IDs bound in this context, keyed by
// extension name.
func (c *Context) Instances() map[string]int64 {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(c.bindings))
	for _, b := range c.bindings {
		if !b.dead {
			out[b.peer.name] = b.id
		}
	}
	return out
}

// Run evaluates src and returns the string form of its completion value.
func (c *Context) Run(name, src string) (string, error) {
	var out string
	err := c.do(func() error {
		v, err := c.vm.RunScript(name, src)
		if err != nil {
			return err
		}
		if v != nil {
			out = v.String()
		}
		return nil
	})
	return out, err
}

// Eval evaluates src and returns its completion value exported to Go.
func (c *Context) Eval(src string) (any, error) {
	var out any
	err := c.do(func() error {
		v, err := c.vm.RunString(src)
		if err != nil {
			return err
		}
		if v != nil {
			out = v.Export()
		}
		return nil
	})
	return out, err
}

func (c *Context) do(fn func() error) error {
	e := c.engine
	if e.host.OnThread() {
		return ErrHostThread
	}
	return e.loop.TrySync(nil, func(*goja.Runtime) error {
		e.mu.Lock()
		closed := c.closed
		e.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return fn()
	})
}

// Close tears the context down, reporting each of its instances destroyed.
// Safe to call more than once.
func (c *Context) Close() error {
	e := c.engine
	e.mu.Lock()
	if c.closed {
		e.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(e.contexts, c.id)
	var released []*binding
	for _, b := range c.bindings {
		if b.dead {
			continue
		}
		b.dead = true
		delete(b.peer.bindings, b.id)
		if !b.peer.destroyed {
			released = append(released, b)
		}
	}
	bindings := slices.Clone(c.bindings)
	e.mu.Unlock()

	e.loop.Post(func(*goja.Runtime) {
		for _, b := range bindings {
			b.listener = nil
		}
		c.lazy = nil
	})
	for _, b := range released {
		e.upcall("OnInstanceDestroyed", b, func() { b.peer.up.OnInstanceDestroyed(b.peer.id, b.id) })
	}
	e.logger.Debug("script context closed", slog.String("context", c.id.String()), slog.Int("instances", len(released)))
	return nil
}

// setup prepares the runtime and installs every peer. Engine loop only.
func (c *Context) setup(peers []*peer) error {
	c.vm = goja.New()
	c.require = c.engine.registry.Enable(c.vm)
	con, err := c.require.Require(consoleModule)
	if err != nil {
		return fmt.Errorf("failed to load console: %w", err)
	}
	if err := c.vm.Set("console", con); err != nil {
		return err
	}
	for _, p := range peers {
		if len(p.entryPoints) == 0 {
			c.bind(p)
		} else {
			c.installLazy(p)
		}
	}
	return nil
}

// bind creates an instance of p and runs its JS API. Engine loop only.
func (c *Context) bind(p *peer) {
	e := c.engine
	b := e.allocate(c, p)
	if b == nil {
		return
	}
	e.upcall("OnInstanceCreated", b, func() { p.up.OnInstanceCreated(p.id, b.id) })

	log := e.logger.With(slog.String("extension", p.name), slog.Int64("instance", b.id))
	fnVal, err := c.vm.RunScript("JS API code for "+p.name, wrapAPI(p.name, p.jsAPI))
	if err != nil {
		log.Warn("couldn't load JS API code", slog.Any("error", err))
		return
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		log.Warn("couldn't load JS API code", slog.String("error", "wrapper is not a function"))
		return
	}
	if _, err := fn(c.vm.GlobalObject(), c.extensionObject(b), c.vm.ToValue(c.requireNative)); err != nil {
		log.Warn("exception while loading JS API code", slog.Any("error", err))
	}
}

// installLazy defines an accessor at each entry point; the first access of
// any of them binds p. Engine loop only.
func (c *Context) installLazy(p *peer) {
	entries := make([]lazyEntry, 0, len(p.entryPoints))
	for _, ep := range p.entryPoints {
		parent, prop := c.parentOf(ep)
		getter := c.vm.ToValue(func(goja.FunctionCall) goja.Value {
			c.bindLazy(p)
			// binding may have replaced parent, e.g. an entry point inside
			// the extension's own namespace
			return c.resolve(ep)
		})
		if err := parent.DefineAccessorProperty(prop, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			c.engine.logger.Warn("failed to install entry point", slog.String("extension", p.name), slog.String("entryPoint", ep), slog.Any("error", err))
			continue
		}
		entries = append(entries, lazyEntry{parent: parent, prop: prop})
	}
	c.lazy[p] = entries
}

func (c *Context) bindLazy(p *peer) {
	entries, ok := c.lazy[p]
	if !ok {
		return
	}
	delete(c.lazy, p)
	for _, en := range entries {
		_ = en.parent.Delete(en.prop)
	}
	c.bind(p)
}

// parentOf returns the object holding the last segment of a dotted name,
// creating intermediate namespaces as needed.
func (c *Context) parentOf(dotted string) (*goja.Object, string) {
	segments := strings.Split(dotted, ".")
	obj := c.vm.GlobalObject()
	for _, seg := range segments[:len(segments)-1] {
		v := obj.Get(seg)
		if next, ok := v.(*goja.Object); ok {
			obj = next
			continue
		}
		next := c.vm.NewObject()
		_ = obj.Set(seg, next)
		obj = next
	}
	return obj, segments[len(segments)-1]
}

// resolve reads a dotted name from the global object, undefined if any
// segment is missing.
func (c *Context) resolve(dotted string) goja.Value {
	var v goja.Value = c.vm.GlobalObject()
	for _, seg := range strings.Split(dotted, ".") {
		obj, ok := v.(*goja.Object)
		if !ok {
			return goja.Undefined()
		}
		if v = obj.Get(seg); v == nil {
			return goja.Undefined()
		}
	}
	return v
}

func (c *Context) requireNative(call goja.FunctionCall) goja.Value {
	v, err := c.require.Require(call.Argument(0).String())
	if err != nil {
		panic(c.vm.NewGoError(err))
	}
	return v
}
