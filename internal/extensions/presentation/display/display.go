// Package display tracks the secondary displays a presentation can be shown
// on.
//
// The strategy is chosen once, by Detect, from a closed set: Headless has no
// displays and never changes; Virtual holds displays added and removed by
// the host (the shell's .display command, or tests).
package display

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Display is a secondary display.
type Display struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Listener is notified of display arrival and removal. Display IDs are
// never reused, even when the same device is reconnected.
type Listener interface {
	DisplayAdded(id int)
	DisplayRemoved(id int)
}

// Manager is a display strategy.
type Manager interface {
	// Kind names the strategy, e.g. "headless".
	Kind() string
	// PresentationDisplays returns the current secondary displays, by ID.
	PresentationDisplays() []Display
	RegisterListener(l Listener)
	UnregisterListener(l Listener)
}

// Detect picks a strategy. A positive count yields a Virtual manager with
// that many displays. Otherwise a graphical session (DISPLAY or
// WAYLAND_DISPLAY set) yields an empty Virtual manager, and anything else
// is Headless.
func Detect(count int, getenv func(string) string) Manager {
	if count > 0 {
		v := NewVirtual()
		for range count {
			v.Add("")
		}
		return v
	}
	if getenv("DISPLAY") != "" || getenv("WAYLAND_DISPLAY") != "" {
		return NewVirtual()
	}
	return Headless{}
}

// Headless has no secondary displays.
type Headless struct{}

func (Headless) Kind() string                    { return "headless" }
func (Headless) PresentationDisplays() []Display { return nil }
func (Headless) RegisterListener(Listener)       {}
func (Headless) UnregisterListener(Listener)     {}

// Virtual is a Manager whose displays are added and removed explicitly.
// Listeners are called synchronously, outside the lock, in registration
// order.
type Virtual struct {
	mu        sync.Mutex
	nextID    int
	displays  map[int]Display
	listeners []Listener
}

// NewVirtual returns a Virtual manager with no displays.
func NewVirtual() *Virtual {
	return &Virtual{displays: make(map[int]Display)}
}

func (v *Virtual) Kind() string { return "virtual" }

func (v *Virtual) PresentationDisplays() []Display {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Display, 0, len(v.displays))
	for _, d := range v.displays {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Display) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (v *Virtual) RegisterListener(l Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !slices.Contains(v.listeners, l) {
		v.listeners = append(v.listeners, l)
	}
}

func (v *Virtual) UnregisterListener(l Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = slices.DeleteFunc(v.listeners, func(x Listener) bool { return x == l })
}

// Add attaches a display and returns it. An empty name is generated.
func (v *Virtual) Add(name string) Display {
	v.mu.Lock()
	v.nextID++
	if name == "" {
		name = fmt.Sprintf("virtual-%d", v.nextID)
	}
	d := Display{ID: v.nextID, Name: name}
	v.displays[d.ID] = d
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()

	for _, l := range listeners {
		l.DisplayAdded(d.ID)
	}
	return d
}

// Remove detaches a display. It reports false for an unknown ID.
func (v *Virtual) Remove(id int) bool {
	v.mu.Lock()
	if _, ok := v.displays[id]; !ok {
		v.mu.Unlock()
		return false
	}
	delete(v.displays, id)
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()

	for _, l := range listeners {
		l.DisplayRemoved(id)
	}
	return true
}
