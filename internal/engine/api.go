package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dop251/goja"
)

// wrapAPI wraps an extension's JS API so that evaluating it yields a
// function of (extension, requireNative). The API runs in strict mode with
// exports bound to the extension's namespace, which is created (and reset)
// first. Everything is prepended on the API's first line, so line numbers in
// errors match the API source.
func wrapAPI(name, api string) string {
	return fmt.Sprintf("var %s (function(extension, requireNative) { "+
		"return (function(exports) {'use strict'; %s\n})(%s); });",
		ensureNamespace(name), api, name)
}

// ensureNamespace returns statements creating each prefix of a dotted name
// if missing, and resetting the full name to an empty object.
func ensureNamespace(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			ns := name[:i]
			fmt.Fprintf(&sb, "%s = %s || {}; ", ns, ns)
		}
	}
	sb.WriteString(name)
	sb.WriteString(" = {};")
	return sb.String()
}

// extensionObject builds the `extension` argument for one instance. Once
// the instance is dead every method returns false. Engine loop only.
func (c *Context) extensionObject(b *binding) *goja.Object {
	vm := c.vm
	e := c.engine
	p := b.peer

	obj := vm.NewObject()
	_ = obj.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		if !b.alive() {
			return vm.ToValue(false)
		}
		arg := call.Argument(0)
		var data []byte
		switch v := arg.Export().(type) {
		case goja.ArrayBuffer:
			data = slices.Clone(v.Bytes())
		case []byte:
			data = slices.Clone(v)
		default:
			msg := arg.String()
			e.upcall("OnMessage", b, func() { p.up.OnMessage(p.id, b.id, msg) })
			return goja.Undefined()
		}
		e.upcall("OnBinaryMessage", b, func() { p.up.OnBinaryMessage(p.id, b.id, data) })
		return goja.Undefined()
	})
	_ = obj.Set("setMessageListener", func(call goja.FunctionCall) goja.Value {
		if !b.alive() {
			return vm.ToValue(false)
		}
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			b.listener = nil
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(arg)
		if !ok {
			panic(vm.NewTypeError("setMessageListener: argument must be a function or undefined"))
		}
		b.listener = fn
		return goja.Undefined()
	})

	internal := vm.NewObject()
	_ = internal.Set("sendSyncMessage", func(call goja.FunctionCall) goja.Value {
		if !b.alive() {
			return vm.ToValue(false)
		}
		msg := call.Argument(0).String()
		var reply string
		err := e.host.Sync(func(*goja.Runtime) error {
			reply = p.up.OnSyncMessage(p.id, b.id, msg)
			return nil
		})
		if err != nil {
			e.logger.Warn("sync message failed",
				slog.String("extension", p.name),
				slog.Int64("instance", b.id),
				slog.Any("error", err))
			return vm.ToValue("")
		}
		return vm.ToValue(reply)
	})
	_ = obj.Set("internal", internal)
	return obj
}
