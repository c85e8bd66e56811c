package extension

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// lookupLocked resolves p and instance for an upcall. Either result may be
// nil.
func (r *Registry) lookupLocked(p Peer, id int64) (*Extension, *instance) {
	ext, ok := r.byPeer[p]
	if !ok {
		return nil, nil
	}
	return ext, ext.instances[id]
}

// OnInstanceCreated implements Upcalls.
func (r *Registry) OnInstanceCreated(p Peer, id int64) {
	r.mu.Lock()
	ext, in := r.lookupLocked(p, id)
	switch {
	case ext == nil:
		r.mu.Unlock()
		r.logger.Debug("instance created for unknown peer", slog.Int64("peer", int64(p)), slog.Int64("instance", id))
		return
	case id <= 0:
		r.mu.Unlock()
		r.logger.Warn("invalid instance id", slog.String("extension", ext.def.Name), slog.Int64("instance", id))
		return
	case in != nil:
		r.mu.Unlock()
		r.logger.Warn("instance id reused, ignoring",
			slog.String("extension", ext.def.Name),
			slog.Int64("instance", id),
			slog.String("state", in.state.String()))
		return
	}
	ext.instances[id] = &instance{state: Bound}
	h := ext.handler
	r.mu.Unlock()

	r.guard(ext.def.Name, id, "OnInstanceCreated", func() { h.OnInstanceCreated(id) })
}

// OnInstanceDestroyed implements Upcalls.
func (r *Registry) OnInstanceDestroyed(p Peer, id int64) {
	r.mu.Lock()
	ext, in := r.lookupLocked(p, id)
	if ext == nil || in == nil || in.state != Bound {
		r.mu.Unlock()
		r.dropped("OnInstanceDestroyed", ext, p, id)
		return
	}
	in.state, in.data = TornDown, nil
	h := ext.handler
	r.mu.Unlock()

	r.guard(ext.def.Name, id, "OnInstanceDestroyed", func() { h.OnInstanceDestroyed(id) })
}

// bound returns the handler for a bound instance, or nil.
func (r *Registry) bound(upcall string, p Peer, id int64) (*Extension, Handler) {
	r.mu.Lock()
	ext, in := r.lookupLocked(p, id)
	if ext == nil || in == nil || in.state != Bound {
		r.mu.Unlock()
		r.dropped(upcall, ext, p, id)
		return nil, nil
	}
	h := ext.handler
	r.mu.Unlock()
	return ext, h
}

// OnMessage implements Upcalls.
func (r *Registry) OnMessage(p Peer, id int64, msg string) {
	ext, h := r.bound("OnMessage", p, id)
	if h == nil {
		return
	}
	r.guard(ext.def.Name, id, "OnMessage", func() { h.OnMessage(id, msg) })
}

// OnSyncMessage implements Upcalls. Undeliverable messages, and handlers
// that panic, reply with the empty string.
func (r *Registry) OnSyncMessage(p Peer, id int64, msg string) (reply string) {
	ext, h := r.bound("OnSyncMessage", p, id)
	if h == nil {
		return ""
	}
	r.guard(ext.def.Name, id, "OnSyncMessage", func() { reply = h.OnSyncMessage(id, msg) })
	return reply
}

// OnBinaryMessage implements Upcalls.
func (r *Registry) OnBinaryMessage(p Peer, id int64, msg []byte) {
	ext, h := r.bound("OnBinaryMessage", p, id)
	if h == nil {
		return
	}
	r.guard(ext.def.Name, id, "OnBinaryMessage", func() { h.OnBinaryMessage(id, msg) })
}

func (r *Registry) dropped(upcall string, ext *Extension, p Peer, id int64) {
	attrs := []any{slog.String("upcall", upcall), slog.Int64("peer", int64(p)), slog.Int64("instance", id)}
	if ext != nil {
		attrs = append(attrs, slog.String("extension", ext.def.Name), slog.String("state", ext.InstanceState(id).String()))
	}
	r.logger.Warn("dropping upcall for unknown instance", attrs...)
}

// guard runs a handler callback, logging any panic.
func (r *Registry) guard(ext string, id int64, upcall string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("extension handler panicked",
				slog.String("extension", ext),
				slog.Int64("instance", id),
				slog.String("upcall", upcall),
				slog.String("panic", fmt.Sprint(v)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
