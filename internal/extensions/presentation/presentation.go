// Package presentation implements navigator.presentation: showing content
// on a secondary display and relaying messages between the host page and
// the presented one.
package presentation

import (
	_ "embed"
	"log/slog"
	"net/url"
	"sync"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extension/dispatch"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/presentation/display"
	"github.com/joeycumines/xwalk-bridge/internal/lifecycle"
)

// Name is the extension's JavaScript namespace.
const Name = "navigator.presentation"

//go:embed presentation_api.js
var jsAPI string

// Definition returns the extension's definition.
func Definition() extension.Definition {
	return extension.Definition{Name: Name, JSAPI: jsAPI}
}

const (
	cmdAvailabilityChange             = "AvailabilityChange"
	cmdGetAvailability                = "GetAvailability"
	cmdStartSession                   = "StartSession"
	cmdSendMessageToRemoteDisplay     = "SendMessageToRemoteDisplay"
	cmdSendMessageToHostDisplay       = "SendMessageToHostDisplay"
	cmdSessionStartSucceeded          = "SessionStartSucceeded"
	cmdSessionStartFailed             = "SessionStartFailed"
	cmdSessionMessageToHostReceived   = "SessionMessageToHostReceived"
	cmdSessionMessageToRemoteReceived = "SessionMessageToRemoteReceived"
)

const (
	errInvalidAccess    = "InvalidAccessError"
	errInvalidParameter = "InvalidParameterError"
	errNotFound         = "NotFoundError"
)

type startSession struct {
	RequestID *int64 `json:"requestId"`
	URL       string `json:"url"`
	BaseURL   string `json:"baseUrl"`
}

type sessionMessage struct {
	PresentationID int    `json:"presentationId"`
	Data           string `json:"data"`
}

type event struct {
	Cmd            string `json:"cmd"`
	RequestID      *int64 `json:"requestId,omitempty"`
	PresentationID *int   `json:"presentationId,omitempty"`
	Data           any    `json:"data"`
}

// Session is the presentation currently shown.
type Session struct {
	ID       int
	URL      string
	Instance int64
	Display  display.Display
}

// Handler implements the extension. It listens for display changes only
// while the host is resumed.
type Handler struct {
	*dispatch.Mux
	displays display.Manager

	mu        sync.Mutex
	available int
	session   *Session
	nextID    int
	listening bool
}

var (
	_ lifecycle.Listener   = (*Handler)(nil)
	_ display.Listener     = (*Handler)(nil)
	_ extension.Shutdowner = (*Handler)(nil)
)

// New returns a Handler presenting on displays.
func New(displays display.Manager, logger *slog.Logger) *Handler {
	h := &Handler{
		Mux:       dispatch.NewMux(logger),
		displays:  displays,
		available: len(displays.PresentationDisplays()),
	}
	h.Handle(cmdStartSession, h.startSession)
	h.Handle(cmdSendMessageToRemoteDisplay, h.relay(cmdSessionMessageToRemoteReceived))
	h.Handle(cmdSendMessageToHostDisplay, h.relay(cmdSessionMessageToHostReceived))
	h.HandleSync(cmdGetAvailability, func(*dispatch.Call) (any, error) { return h.Available(), nil })
	return h
}

// Available reports whether a secondary display is present.
func (h *Handler) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available > 0
}

// Session returns the current session, if any.
func (h *Handler) Session() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return Session{}, false
	}
	return *h.session, true
}

// OnSyncMessage answers the bare "GetAvailability" request with "true" or
// "false"; anything else goes through the command table.
func (h *Handler) OnSyncMessage(instance int64, msg string) string {
	if msg == cmdGetAvailability {
		if h.Available() {
			return "true"
		}
		return "false"
	}
	return h.Mux.OnSyncMessage(instance, msg)
}

func (h *Handler) startSession(c *dispatch.Call) error {
	var req startSession
	if err := c.Decode(&req); err != nil {
		return err
	}
	if req.RequestID == nil || *req.RequestID < 0 {
		h.Logger().Warn("StartSession without requestId", slog.Int64("instance", c.Instance))
		return nil
	}
	fail := func(name string) {
		h.Post(c.Instance, event{Cmd: cmdSessionStartFailed, RequestID: req.RequestID, Data: name})
	}

	displays := h.displays.PresentationDisplays()
	h.mu.Lock()
	if h.available == 0 || len(displays) == 0 {
		h.mu.Unlock()
		h.Logger().Debug("no presentation display available")
		fail(errNotFound)
		return nil
	}
	if h.session != nil {
		h.mu.Unlock()
		fail(errInvalidAccess)
		return nil
	}
	target, ok := resolve(req.URL, req.BaseURL)
	if !ok {
		h.mu.Unlock()
		h.Logger().Warn("invalid presentation url", slog.String("url", req.URL), slog.String("baseUrl", req.BaseURL))
		fail(errInvalidParameter)
		return nil
	}
	h.nextID++
	s := &Session{ID: h.nextID, URL: target, Instance: c.Instance, Display: displays[0]}
	h.session = s
	h.mu.Unlock()

	h.Logger().Info("presentation started",
		slog.Int("presentationId", s.ID),
		slog.String("url", s.URL),
		slog.String("display", s.Display.Name))
	h.Post(c.Instance, event{Cmd: cmdSessionStartSucceeded, RequestID: req.RequestID, Data: s.ID})
	return nil
}

// resolve makes raw absolute against base when it is relative.
func resolve(raw, base string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return "", false
	}
	if u.IsAbs() {
		return u.String(), true
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return "", false
	}
	return b.ResolveReference(u).String(), true
}

func (h *Handler) relay(cmd string) dispatch.HandlerFunc {
	return func(c *dispatch.Call) error {
		var m sessionMessage
		if err := c.Decode(&m); err != nil {
			return err
		}
		h.Broadcast(event{Cmd: cmd, PresentationID: &m.PresentationID, Data: m.Data})
		return nil
	}
}

func (h *Handler) notifyAvailability(available bool) {
	h.Broadcast(event{Cmd: cmdAvailabilityChange, Data: available})
}

// DisplayAdded implements display.Listener.
func (h *Handler) DisplayAdded(int) {
	h.mu.Lock()
	h.available++
	first := h.available == 1
	h.mu.Unlock()
	if first {
		h.notifyAvailability(true)
	}
}

// DisplayRemoved implements display.Listener.
func (h *Handler) DisplayRemoved(int) {
	h.mu.Lock()
	if h.available == 0 {
		h.mu.Unlock()
		return
	}
	h.available--
	last := h.available == 0
	h.mu.Unlock()
	if last {
		h.notifyAvailability(false)
		h.closeSession()
	}
}

// OnResume implements lifecycle.Listener. Changes missed while paused are
// reconciled before listening again.
func (h *Handler) OnResume() {
	n := len(h.displays.PresentationDisplays())
	h.mu.Lock()
	was := h.available
	h.available = n
	h.listening = true
	h.mu.Unlock()

	switch {
	case n == 0 && was > 0:
		h.notifyAvailability(false)
		h.closeSession()
	case n > 0 && was == 0:
		h.notifyAvailability(true)
	}
	h.displays.RegisterListener(h)
}

// OnPause implements lifecycle.Listener.
func (h *Handler) OnPause() { h.stopListening() }

// OnDestroy implements lifecycle.Listener.
func (h *Handler) OnDestroy() { h.closeSession() }

// Shutdown implements extension.Shutdowner.
func (h *Handler) Shutdown() {
	h.stopListening()
	h.closeSession()
}

func (h *Handler) stopListening() {
	h.mu.Lock()
	listening := h.listening
	h.listening = false
	h.mu.Unlock()
	if listening {
		h.displays.UnregisterListener(h)
	}
}

func (h *Handler) closeSession() {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s != nil {
		h.Logger().Info("presentation closed", slog.Int("presentationId", s.ID))
	}
}
