package engine

import (
	"log/slog"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
)

const (
	consoleModule = "xwalk:console"
	uuidModule    = "xwalk:uuid"
)

// registerModules installs the native modules every context can reach via
// requireNative.
func registerModules(r *require.Registry, printer console.Printer) {
	r.RegisterNativeModule(consoleModule, console.RequireWithPrinter(printer))
	r.RegisterNativeModule(uuidModule, func(vm *goja.Runtime, module *goja.Object) {
		exports := module.Get("exports").(*goja.Object)
		_ = exports.Set("v4", func() string { return uuid.NewString() })
	})
}

// consolePrinter routes script console output to slog.
type consolePrinter struct {
	logger *slog.Logger
}

var _ console.Printer = consolePrinter{}

func (p consolePrinter) Log(s string)   { p.logger.Info(s) }
func (p consolePrinter) Warn(s string)  { p.logger.Warn(s) }
func (p consolePrinter) Error(s string) { p.logger.Error(s) }
