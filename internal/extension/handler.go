package extension

// Handler receives the messages and lifecycle events of one extension.
//
// All methods are called on the host thread, one at a time. OnSyncMessage
// blocks the requesting script context until it returns, so it must not do
// long-running work.
type Handler interface {
	OnInstanceCreated(instance int64)
	OnInstanceDestroyed(instance int64)
	OnMessage(instance int64, msg string)
	OnSyncMessage(instance int64, msg string) string
	OnBinaryMessage(instance int64, msg []byte)
}

// Binder is implemented by handlers that need their Extension, to post
// replies. Bind is called by Registry.Register before any upcall, and again
// with nil if the registration then fails.
type Binder interface {
	Bind(ext *Extension)
}

// Shutdowner is implemented by handlers that hold resources. Shutdown is
// called once when the extension is destroyed.
type Shutdowner interface {
	Shutdown()
}

// BaseHandler provides no-op defaults for every Handler method, and keeps
// the bound Extension. Embed it and override what you need.
type BaseHandler struct {
	ext *Extension
}

var _ interface {
	Handler
	Binder
} = (*BaseHandler)(nil)

func (h *BaseHandler) Bind(ext *Extension) { h.ext = ext }

// Extension returns the bound extension, or nil before Bind.
func (h *BaseHandler) Extension() *Extension { return h.ext }

func (h *BaseHandler) OnInstanceCreated(int64)            {}
func (h *BaseHandler) OnInstanceDestroyed(int64)          {}
func (h *BaseHandler) OnMessage(int64, string)            {}
func (h *BaseHandler) OnSyncMessage(int64, string) string { return "" }
func (h *BaseHandler) OnBinaryMessage(int64, []byte)      {}

// PostMessage posts msg to one instance of the bound extension.
func (h *BaseHandler) PostMessage(instance int64, msg string) {
	if h.ext != nil {
		h.ext.PostMessage(instance, msg)
	}
}

// PostBinaryMessage posts msg to one instance of the bound extension.
func (h *BaseHandler) PostBinaryMessage(instance int64, msg []byte) {
	if h.ext != nil {
		h.ext.PostBinaryMessage(instance, msg)
	}
}

// BroadcastMessage posts msg to every live instance of the bound extension.
func (h *BaseHandler) BroadcastMessage(msg string) {
	if h.ext != nil {
		h.ext.BroadcastMessage(msg)
	}
}
