package extension

import (
	"log/slog"
	"slices"
)

// Definition declares an extension.
type Definition struct {
	// Name is the dotted identifier the JS API is exposed under.
	Name string
	// JSAPI is the script source run when the extension binds into a context.
	JSAPI string
	// EntryPoints are dotted identifiers whose first access binds the
	// extension lazily. If empty the extension binds on context creation.
	EntryPoints []string
}

// Extension is a registered extension. It is created by Registry.Register
// or Registry.GetOrCreatePeer, and lives until destroyed.
type Extension struct {
	def      Definition
	registry *Registry

	// Guarded by registry.mu.
	peer      Peer
	handler   Handler
	instances map[int64]*instance
}

// Name returns the extension's name.
func (e *Extension) Name() string { return e.def.Name }

// JSAPI returns the extension's JavaScript API source.
func (e *Extension) JSAPI() string { return e.def.JSAPI }

// EntryPoints returns a copy of the extension's entry points.
func (e *Extension) EntryPoints() []string { return slices.Clone(e.def.EntryPoints) }

// Peer returns the extension's peer handle, or InvalidPeer once destroyed.
func (e *Extension) Peer() Peer {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return e.peer
}

// Destroyed reports whether the extension has been destroyed.
func (e *Extension) Destroyed() bool { return !e.Peer().Valid() }

// PostMessage posts msg to one instance. It is a logged no-op once the
// extension is destroyed. Delivery is not acknowledged: a message for an
// instance that has gone away is dropped by the native side.
func (e *Extension) PostMessage(instance int64, msg string) {
	e.registry.PostMessage(e.Peer(), instance, msg)
}

// PostBinaryMessage is PostMessage for binary payloads.
func (e *Extension) PostBinaryMessage(instance int64, msg []byte) {
	e.registry.PostBinaryMessage(e.Peer(), instance, msg)
}

// BroadcastMessage posts msg to every live instance.
func (e *Extension) BroadcastMessage(msg string) {
	e.registry.BroadcastMessage(e.Peer(), msg)
}

// Destroy destroys the extension. Safe to call more than once.
func (e *Extension) Destroy() {
	if p := e.Peer(); p.Valid() {
		e.registry.Destroy(p)
		return
	}
	e.registry.logger.Debug("extension already destroyed", slog.String("extension", e.def.Name))
}

// Instances returns the IDs of the bound instances, ascending.
func (e *Extension) Instances() []int64 {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return e.boundLocked()
}

func (e *Extension) boundLocked() []int64 {
	ids := make([]int64, 0, len(e.instances))
	for id, in := range e.instances {
		if in.state == Bound {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// InstanceState returns the lifecycle state of an instance ID.
func (e *Extension) InstanceState(instance int64) InstanceState {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	if in, ok := e.instances[instance]; ok {
		return in.state
	}
	return Unbound
}

// SetInstanceData attaches data to a bound instance. It reports false if the
// instance is not bound. The data is dropped when the instance is torn down.
func (e *Extension) SetInstanceData(instance int64, data any) bool {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	in, ok := e.instances[instance]
	if !ok || in.state != Bound {
		return false
	}
	in.data = data
	return true
}

// InstanceData returns the data attached to a bound instance.
func (e *Extension) InstanceData(instance int64) (any, bool) {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	in, ok := e.instances[instance]
	if !ok || in.state != Bound || in.data == nil {
		return nil, false
	}
	return in.data, true
}
