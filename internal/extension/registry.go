package extension

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrInvalidName is returned for names or entry points that are not
	// dotted JavaScript identifiers.
	ErrInvalidName = errors.New("invalid extension identifier")

	// ErrEntryPointClash is returned when an entry point collides with the
	// name or an entry point of another extension.
	ErrEntryPointClash = errors.New("entry point clashes with another extension")

	// ErrPeerUnavailable is returned when the native side cannot allocate a
	// peer, e.g. because it is shutting down. Callers should treat the
	// extension as unavailable rather than retry.
	ErrPeerUnavailable = errors.New("native peer unavailable")
)

// Registry owns the live extensions and mediates between their handlers and
// the native peer. Construct one per host application context; it is not a
// process-wide singleton.
//
// Registry implements Upcalls; it passes itself to Native.CreatePeer.
type Registry struct {
	native Native
	logger *slog.Logger

	// mu guards the tables below and every Extension's mutable fields. It is
	// never held while calling a Handler, and only held across
	// Native.CreatePeer, which must not call back synchronously.
	mu      sync.Mutex
	byName  map[string]*Extension
	byPeer  map[Peer]*Extension
	symbols map[string]string // name or entry point -> owning extension
}

var _ Upcalls = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger. The default is slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry backed by native.
func NewRegistry(native Native, opts ...RegistryOption) *Registry {
	r := &Registry{
		native:  native,
		logger:  slog.Default(),
		byName:  make(map[string]*Extension),
		byPeer:  make(map[Peer]*Extension),
		symbols: make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register declares an extension with its handler and creates its peer.
//
// Registering a name that is already live returns the existing extension,
// rebinding it to h; its peer and instances are kept. This lets built-in
// extensions be re-declared during re-initialisation.
//
// A nil h is replaced by a BaseHandler.
func (r *Registry) Register(def Definition, h Handler) (*Extension, error) {
	return r.register(def, h, true)
}

// GetOrCreatePeer returns the peer of the named extension, creating the
// extension (with a no-op handler) if it does not exist yet. It returns
// InvalidPeer if the definition is invalid or no peer can be allocated.
func (r *Registry) GetOrCreatePeer(name, jsAPI string, entryPoints []string) Peer {
	ext, err := r.register(Definition{Name: name, JSAPI: jsAPI, EntryPoints: entryPoints}, nil, false)
	if err != nil {
		return InvalidPeer
	}
	return ext.Peer()
}

func (r *Registry) register(def Definition, h Handler, rebind bool) (*Extension, error) {
	if h == nil {
		h = &BaseHandler{}
	}
	def.EntryPoints = slices.Clone(def.EntryPoints)

	r.mu.Lock()
	if ext, ok := r.byName[def.Name]; ok {
		if !rebind {
			r.mu.Unlock()
			return ext, nil
		}
		old := ext.handler
		ext.handler = h
		peer := ext.peer
		bound := ext.boundLocked()
		r.mu.Unlock()
		bindHandler(h, ext)
		r.logger.Debug("extension re-declared",
			slog.String("extension", def.Name),
			slog.Int64("peer", int64(peer)),
			slog.Int("instances", len(bound)))
		if old == h {
			return ext, nil
		}
		// the replaced handler is done with
		if s, ok := old.(Shutdowner); ok {
			r.guard(def.Name, 0, "Shutdown", s.Shutdown)
		}
		// the new handler learns about the instances it inherits
		for _, id := range bound {
			r.guard(def.Name, id, "OnInstanceCreated", func() { h.OnInstanceCreated(id) })
		}
		return ext, nil
	}
	defer r.mu.Unlock()

	if err := r.validateLocked(def); err != nil {
		r.logger.Warn("ignoring extension", slog.String("extension", def.Name), slog.Any("error", err))
		return nil, err
	}

	ext := &Extension{
		def:       def,
		registry:  r,
		handler:   h,
		instances: make(map[int64]*instance),
	}
	// Bind before the peer exists, so no upcall can reach an unbound handler.
	bindHandler(h, ext)

	p := r.native.CreatePeer(def.Name, def.JSAPI, slices.Clone(def.EntryPoints), r)
	if !p.Valid() {
		bindHandler(h, nil)
		r.logger.Error("failed to create native peer", slog.String("extension", def.Name))
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, def.Name)
	}
	if _, dup := r.byPeer[p]; dup {
		// A native that hands out the same handle twice is broken; refuse to
		// alias two extensions.
		bindHandler(h, nil)
		r.logger.Error("native returned a peer handle already in use", slog.String("extension", def.Name), slog.Int64("peer", int64(p)))
		return nil, fmt.Errorf("%w: duplicate peer handle %d", ErrPeerUnavailable, p)
	}
	ext.peer = p

	r.byName[def.Name] = ext
	r.byPeer[p] = ext
	r.symbols[def.Name] = def.Name
	for _, ep := range def.EntryPoints {
		r.symbols[ep] = def.Name
	}
	r.logger.Debug("extension registered",
		slog.String("extension", def.Name),
		slog.Int64("peer", int64(p)),
		slog.Any("entryPoints", def.EntryPoints))
	return ext, nil
}

func (r *Registry) validateLocked(def Definition) error {
	if !ValidIdentifier(def.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, def.Name)
	}
	if owner, ok := r.symbols[def.Name]; ok {
		return fmt.Errorf("%w: name %q is an entry point of %q", ErrEntryPointClash, def.Name, owner)
	}
	seen := make(map[string]struct{}, len(def.EntryPoints))
	for _, ep := range def.EntryPoints {
		if !ValidIdentifier(ep) {
			return fmt.Errorf("%w: entry point %q", ErrInvalidName, ep)
		}
		if owner, ok := r.symbols[ep]; ok {
			return fmt.Errorf("%w: %q already used by %q", ErrEntryPointClash, ep, owner)
		}
		if _, ok := seen[ep]; ok {
			return fmt.Errorf("%w: %q listed twice", ErrEntryPointClash, ep)
		}
		seen[ep] = struct{}{}
	}
	return nil
}

func bindHandler(h Handler, ext *Extension) {
	if b, ok := h.(Binder); ok {
		b.Bind(ext)
	}
}

// Lookup returns the live extension with the given name.
func (r *Registry) Lookup(name string) (*Extension, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.byName[name]
	return ext, ok
}

// Names returns the names of the live extensions, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Destroy invalidates p and destroys its native peer. Destroying an invalid
// or already destroyed peer logs and returns.
func (r *Registry) Destroy(p Peer) {
	r.mu.Lock()
	ext, ok := r.byPeer[p]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("destroy on invalid peer", slog.Int64("peer", int64(p)))
		return
	}
	delete(r.byPeer, p)
	delete(r.byName, ext.def.Name)
	delete(r.symbols, ext.def.Name)
	for _, ep := range ext.def.EntryPoints {
		delete(r.symbols, ep)
	}
	ext.peer = InvalidPeer
	for _, in := range ext.instances {
		in.state, in.data = TornDown, nil
	}
	h := ext.handler
	r.mu.Unlock()

	r.native.DestroyPeer(p)
	r.logger.Debug("extension destroyed", slog.String("extension", ext.def.Name), slog.Int64("peer", int64(p)))

	if s, ok := h.(Shutdowner); ok {
		r.guard(ext.def.Name, 0, "Shutdown", s.Shutdown)
	}
}

// Close destroys every live extension.
func (r *Registry) Close() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.byPeer))
	for p := range r.byPeer {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	slices.Sort(peers)
	for _, p := range peers {
		r.Destroy(p)
	}
}

func (r *Registry) live(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byPeer[p]
	return ok
}

// PostMessage posts msg to one instance of the extension behind p. It is a
// logged no-op if p is not live.
func (r *Registry) PostMessage(p Peer, instance int64, msg string) {
	if !r.live(p) {
		r.logger.Warn("post on invalid peer", slog.Int64("peer", int64(p)), slog.Int64("instance", instance))
		return
	}
	r.native.PostMessage(p, instance, msg)
}

// PostBinaryMessage is PostMessage for binary payloads.
func (r *Registry) PostBinaryMessage(p Peer, instance int64, msg []byte) {
	if !r.live(p) {
		r.logger.Warn("binary post on invalid peer", slog.Int64("peer", int64(p)), slog.Int64("instance", instance))
		return
	}
	r.native.PostBinaryMessage(p, instance, msg)
}

// BroadcastMessage posts msg to every live instance of the extension behind
// p. It is a logged no-op if p is not live.
func (r *Registry) BroadcastMessage(p Peer, msg string) {
	if !r.live(p) {
		r.logger.Warn("broadcast on invalid peer", slog.Int64("peer", int64(p)))
		return
	}
	r.native.BroadcastMessage(p, msg)
}
