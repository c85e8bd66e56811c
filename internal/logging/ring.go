package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one recorded log record.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (e Entry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Time.Format(time.TimeOnly))
	sb.WriteByte(' ')
	sb.WriteString(e.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(e.Message)
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(e.Attrs[k])
	}
	return sb.String()
}

// ring is the storage shared by a RingHandler and its derived handlers.
type ring struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

// RingHandler is an slog.Handler keeping the most recent records in memory,
// for the shell's .logs command.
type RingHandler struct {
	ring   *ring
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string // dotted group path, with trailing dot
}

var _ slog.Handler = (*RingHandler)(nil)

// NewRingHandler keeps up to size records at or above level. A
// non-positive size keeps 1000.
func NewRingHandler(size int, level slog.Leveler) *RingHandler {
	if size <= 0 {
		size = 1000
	}
	if level == nil {
		level = slog.LevelDebug
	}
	return &RingHandler{ring: &ring{entries: make([]Entry, 0, size), limit: size}, level: level}
}

func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *RingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.prefix, a)
		return true
	})
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs}

	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()
	if len(h.ring.entries) == h.ring.limit {
		copy(h.ring.entries, h.ring.entries[1:])
		h.ring.entries = h.ring.entries[:len(h.ring.entries)-1]
	}
	h.ring.entries = append(h.ring.entries, e)
	return nil
}

func addAttr(m map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			addAttr(m, p, g)
		}
		return
	}
	if a.Key == "" {
		return
	}
	m[prefix+a.Key] = a.Value.String()
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		if h.prefix != "" {
			a = slog.Attr{Key: strings.TrimSuffix(h.prefix, ".") + "." + a.Key, Value: a.Value}
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

// Recent returns up to n of the newest entries, oldest first. A
// non-positive n returns all of them.
func (h *RingHandler) Recent(n int) []Entry {
	h.ring.mu.RLock()
	defer h.ring.mu.RUnlock()
	if n <= 0 || n > len(h.ring.entries) {
		n = len(h.ring.entries)
	}
	return slices.Clone(h.ring.entries[len(h.ring.entries)-n:])
}

// Search returns the entries whose message or attributes contain query,
// case-insensitively.
func (h *RingHandler) Search(query string) []Entry {
	query = strings.ToLower(query)
	h.ring.mu.RLock()
	defer h.ring.mu.RUnlock()
	var out []Entry
	for _, e := range h.ring.entries {
		if matches(e, query) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e Entry, query string) bool {
	if strings.Contains(strings.ToLower(e.Message), query) {
		return true
	}
	for k, v := range e.Attrs {
		if strings.Contains(strings.ToLower(k), query) || strings.Contains(strings.ToLower(v), query) {
			return true
		}
	}
	return false
}

// Clear drops every entry.
func (h *RingHandler) Clear() {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()
	h.ring.entries = h.ring.entries[:0]
}
