// Package dispatch routes JSON command messages to per-command handlers.
//
// Most built-in extensions speak the same small protocol: script posts
// {"cmd": "...", "asyncCallId": N, ...}, and the extension answers with
// {"asyncCallId": N, "data": ...} or {"asyncCallId": N, "error": {...}}.
// Mux implements extension.Handler for that protocol.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
)

// Error is an error reported to script. Name follows the DOMException
// naming convention, e.g. "NotFoundError".
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Name + ": " + e.Message }

// NewError returns an *Error.
func NewError(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Name: "Error", Message: err.Error()}
}

// Call is one decoded command.
type Call struct {
	Instance    int64
	Cmd         string
	AsyncCallID json.RawMessage

	raw json.RawMessage
	mux *Mux
}

// Decode unmarshals the full message into v.
func (c *Call) Decode(v any) error {
	if err := json.Unmarshal(c.raw, v); err != nil {
		return NewError("TypeMismatchError", "%s: %v", c.Cmd, err)
	}
	return nil
}

// Reply posts {"asyncCallId", "data"} to the calling instance.
func (c *Call) Reply(data any) {
	c.mux.post(c.Instance, reply{AsyncCallID: c.AsyncCallID, Data: data})
}

// Fail posts {"asyncCallId", "error"} to the calling instance.
func (c *Call) Fail(err error) {
	c.mux.post(c.Instance, failure{AsyncCallID: c.AsyncCallID, Error: toError(err)})
}

type reply struct {
	AsyncCallID json.RawMessage `json:"asyncCallId,omitempty"`
	Data        any             `json:"data"`
}

type failure struct {
	AsyncCallID json.RawMessage `json:"asyncCallId,omitempty"`
	Error       *Error          `json:"error"`
}

type request struct {
	Cmd         string          `json:"cmd"`
	AsyncCallID json.RawMessage `json:"asyncCallId"`
}

// Event is an unsolicited message, e.g. a change notification.
type Event struct {
	Reply     string `json:"reply,omitempty"`
	EventName string `json:"eventName,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// HandlerFunc handles an asynchronous command. It replies, if at all, via
// Call.Reply or Call.Fail. A returned error is sent with Call.Fail.
type HandlerFunc func(c *Call) error

// SyncHandlerFunc handles a synchronous command. The result is marshalled
// as the reply. An error replies {"error": {...}}.
type SyncHandlerFunc func(c *Call) (any, error)

// Mux is an extension.Handler that dispatches on the "cmd" field. Embed it in
// an extension's handler and register commands in the constructor.
//
// Malformed messages are logged and dropped; unknown commands are logged at
// error level with no reply. A synchronous message that cannot be handled
// replies with the empty string.
type Mux struct {
	extension.BaseHandler

	logger *slog.Logger

	mu    sync.RWMutex
	async map[string]HandlerFunc
	sync  map[string]SyncHandlerFunc
}

var _ extension.Handler = (*Mux)(nil)

// NewMux returns an empty Mux. A nil logger uses slog.Default().
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger: logger,
		async:  make(map[string]HandlerFunc),
		sync:   make(map[string]SyncHandlerFunc),
	}
}

// Logger returns the mux's logger, with the extension name attached once
// bound.
func (m *Mux) Logger() *slog.Logger {
	if ext := m.Extension(); ext != nil {
		return m.logger.With(slog.String("extension", ext.Name()))
	}
	return m.logger
}

// Handle registers fn for asynchronous messages with the given cmd.
func (m *Mux) Handle(cmd string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.async[cmd] = fn
}

// HandleSync registers fn for synchronous messages with the given cmd.
func (m *Mux) HandleSync(cmd string, fn SyncHandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sync[cmd] = fn
}

// Commands returns the registered asynchronous and synchronous commands.
func (m *Mux) Commands() (async, sync []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.async {
		async = append(async, k)
	}
	for k := range m.sync {
		sync = append(sync, k)
	}
	slices.Sort(async)
	slices.Sort(sync)
	return async, sync
}

func (m *Mux) decode(instance int64, msg string) (*Call, bool) {
	var req request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		m.Logger().Warn("dropping malformed message", slog.Int64("instance", instance), slog.Any("error", err))
		return nil, false
	}
	return &Call{
		Instance:    instance,
		Cmd:         req.Cmd,
		AsyncCallID: req.AsyncCallID,
		raw:         json.RawMessage(msg),
		mux:         m,
	}, true
}

// OnMessage implements extension.Handler.
func (m *Mux) OnMessage(instance int64, msg string) {
	c, ok := m.decode(instance, msg)
	if !ok {
		return
	}
	m.mu.RLock()
	fn := m.async[c.Cmd]
	m.mu.RUnlock()
	if fn == nil {
		m.Logger().Error("unknown command", slog.Int64("instance", instance), slog.String("cmd", c.Cmd))
		return
	}
	if err := fn(c); err != nil {
		m.Logger().Debug("command failed", slog.String("cmd", c.Cmd), slog.Any("error", err))
		c.Fail(err)
	}
}

// OnSyncMessage implements extension.Handler.
func (m *Mux) OnSyncMessage(instance int64, msg string) string {
	c, ok := m.decode(instance, msg)
	if !ok {
		return ""
	}
	m.mu.RLock()
	fn := m.sync[c.Cmd]
	m.mu.RUnlock()
	if fn == nil {
		m.Logger().Error("unknown sync command", slog.Int64("instance", instance), slog.String("cmd", c.Cmd))
		return ""
	}
	v, err := fn(c)
	if err != nil {
		v = failure{Error: toError(err)}
	}
	b, err := json.Marshal(v)
	if err != nil {
		m.Logger().Error("failed to encode sync reply", slog.String("cmd", c.Cmd), slog.Any("error", err))
		return ""
	}
	return string(b)
}

// Broadcast marshals v and broadcasts it to every live instance.
func (m *Mux) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		m.Logger().Error("failed to encode broadcast", slog.Any("error", err))
		return
	}
	m.BroadcastMessage(string(b))
}

// Post marshals v and posts it to one instance.
func (m *Mux) Post(instance int64, v any) { m.post(instance, v) }

func (m *Mux) post(instance int64, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		m.Logger().Error("failed to encode reply", slog.Int64("instance", instance), slog.Any("error", err))
		return
	}
	m.PostMessage(instance, string(b))
}
