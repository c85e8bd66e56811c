// Package lifecycle forwards host application state changes to the
// extensions that care about them.
package lifecycle

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

// State is the host application state.
type State int

const (
	Created State = iota
	Resumed
	Paused
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Resumed:
		return "resumed"
	case Paused:
		return "paused"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Listener receives state changes. Listeners that hold OS-level
// registrations acquire them in OnResume and release them in OnPause.
type Listener interface {
	OnResume()
	OnPause()
	OnDestroy()
}

// Host holds listeners by reference; it does not own them. A listener that
// is going away must Remove itself.
type Host struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	listeners []Listener
}

// New returns a Host in the Created state. A nil logger uses
// slog.Default().
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{logger: logger}
}

// State returns the current state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Add registers l. Adding a listener twice has no effect. If the host is
// already resumed, l.OnResume is called before Add returns.
func (h *Host) Add(l Listener) {
	h.mu.Lock()
	if h.state == Destroyed || slices.Contains(h.listeners, l) {
		h.mu.Unlock()
		return
	}
	h.listeners = append(h.listeners, l)
	resumed := h.state == Resumed
	h.mu.Unlock()
	if resumed {
		h.call("resume", l.OnResume)
	}
}

// Remove unregisters l.
func (h *Host) Remove(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(x Listener) bool { return x == l })
}

// Resume moves to Resumed. It is a no-op if already resumed or destroyed.
func (h *Host) Resume() { h.transition(Resumed, "resume", Listener.OnResume) }

// Pause moves to Paused. It is a no-op unless resumed.
func (h *Host) Pause() { h.transition(Paused, "pause", Listener.OnPause) }

// Destroy moves to Destroyed, pausing first if resumed, and drops every
// listener. Further transitions are ignored.
func (h *Host) Destroy() {
	h.Pause()
	h.transition(Destroyed, "destroy", Listener.OnDestroy)
	h.mu.Lock()
	h.listeners = nil
	h.mu.Unlock()
}

func (h *Host) transition(to State, what string, fn func(Listener)) {
	h.mu.Lock()
	from := h.state
	if from == to || from == Destroyed || (to == Paused && from != Resumed) {
		h.mu.Unlock()
		return
	}
	h.state = to
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	h.logger.Debug("lifecycle transition", slog.String("from", from.String()), slog.String("to", to.String()))
	for _, l := range listeners {
		h.call(what, func() { fn(l) })
	}
}

func (h *Host) call(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("lifecycle listener panicked",
				slog.String("event", what),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
