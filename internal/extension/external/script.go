package external

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
)

// Handler runs an extension's native script on the host thread runtime.
// Its upcalls must arrive on the host thread, which every native peer
// guarantees.
type Handler struct {
	extension.BaseHandler

	name   string
	logger *slog.Logger

	// vm is the host thread's runtime; only touched on the host thread.
	vm *goja.Runtime

	onCreated   goja.Callable
	onDestroyed goja.Callable
	onMessage   goja.Callable
	onSync      goja.Callable
}

// hooks collects the script's callbacks without leaking its declarations
// into the shared global scope.
const hooksTail = `
return {
	onInstanceCreated: typeof onInstanceCreated === 'function' ? onInstanceCreated : undefined,
	onInstanceDestroyed: typeof onInstanceDestroyed === 'function' ? onInstanceDestroyed : undefined,
	onMessage: typeof onMessage === 'function' ? onMessage : undefined,
	onSyncMessage: typeof onSyncMessage === 'function' ? onSyncMessage : undefined,
};`

// NewHandler evaluates m's native script on host. It must not be called
// from the host thread.
func NewHandler(host *mainthread.Thread, m *Manifest, logger *slog.Logger) (*Handler, error) {
	h := &Handler{name: m.Name, logger: logger.With(slog.String("extension", m.Name))}
	if m.NativeSource == "" {
		return h, nil
	}
	err := host.Sync(func(vm *goja.Runtime) error {
		src := "(function(bridge) {\n" + m.NativeSource + "\n" + hooksTail + "\n})"
		v, err := vm.RunScript(m.Native, src)
		if err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return fmt.Errorf("native script did not compile to a function")
		}
		h.vm = vm
		hooks, err := fn(goja.Undefined(), h.bridge(vm))
		if err != nil {
			return err
		}
		obj := hooks.ToObject(vm)
		h.onCreated, _ = goja.AssertFunction(obj.Get("onInstanceCreated"))
		h.onDestroyed, _ = goja.AssertFunction(obj.Get("onInstanceDestroyed"))
		h.onMessage, _ = goja.AssertFunction(obj.Get("onMessage"))
		h.onSync, _ = goja.AssertFunction(obj.Get("onSyncMessage"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load native script for %s: %w", m.Name, err)
	}
	return h, nil
}

func (h *Handler) bridge(vm *goja.Runtime) *goja.Object {
	b := vm.NewObject()
	_ = b.Set("name", h.name)
	_ = b.Set("postMessage", func(id int64, msg string) { h.PostMessage(id, msg) })
	_ = b.Set("broadcastMessage", func(msg string) { h.BroadcastMessage(msg) })
	_ = b.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		h.logger.Info(strings.Join(parts, " "))
		return goja.Undefined()
	})
	return b
}

// call invokes fn, logging script exceptions.
func (h *Handler) call(what string, fn goja.Callable, args ...any) (goja.Value, bool) {
	if fn == nil {
		return nil, false
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = h.vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), vals...)
	if err != nil {
		h.logger.Error("native script threw", slog.String("hook", what), slog.Any("error", err))
		return nil, false
	}
	return v, true
}

func (h *Handler) OnInstanceCreated(instance int64) {
	h.call("onInstanceCreated", h.onCreated, instance)
}

func (h *Handler) OnInstanceDestroyed(instance int64) {
	h.call("onInstanceDestroyed", h.onDestroyed, instance)
}

func (h *Handler) OnMessage(instance int64, msg string) {
	h.call("onMessage", h.onMessage, instance, msg)
}

// OnSyncMessage returns the script's result as a string; undefined, null
// or a thrown exception reply with "".
func (h *Handler) OnSyncMessage(instance int64, msg string) string {
	v, ok := h.call("onSyncMessage", h.onSync, instance, msg)
	if !ok || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
