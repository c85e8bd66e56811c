// Package extensions registers the built-in extensions.
package extensions

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/device"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/echo"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/persons"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/presentation"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/presentation/display"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/storage"
	"github.com/joeycumines/xwalk-bridge/internal/lifecycle"
)

// Names lists the built-in extensions, in registration order.
var Names = []string{echo.Name, device.Name, presentation.Name, storage.Name, persons.Name}

// Options configures the built-in extensions.
type Options struct {
	// Disable lists extension names not to register.
	Disable []string
	// StoragePath is the xwalk.storage database. Empty keeps it in memory.
	StoragePath string
	// StoragePaths are the mount points reported by getStorageInfo.
	StoragePaths []string
	// Displays is the number of virtual displays to start with; see
	// display.Detect.
	Displays int
	// Getenv is used for feature detection. Nil uses os.Getenv.
	Getenv func(string) string
	Logger *slog.Logger
}

// Builtins holds the registered built-in extensions.
type Builtins struct {
	Extensions []*extension.Extension
	// Displays is the presentation display strategy, or nil if
	// presentation is disabled.
	Displays display.Manager
}

// Register registers every built-in extension not disabled. Extensions that
// follow the host lifecycle are added to host.
func Register(reg *extension.Registry, host *lifecycle.Host, opts Options) (*Builtins, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	out := &Builtins{}
	enabled := func(name string) bool {
		if slices.Contains(opts.Disable, name) {
			logger.Info("built-in extension disabled", slog.String("extension", name))
			return false
		}
		return true
	}
	add := func(def extension.Definition, h extension.Handler) error {
		ext, err := reg.Register(def, h)
		if err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
		out.Extensions = append(out.Extensions, ext)
		return nil
	}

	if enabled(echo.Name) {
		if err := add(echo.Definition(), echo.New()); err != nil {
			return nil, err
		}
	}
	if enabled(device.Name) {
		probe := &device.SystemProbe{Paths: opts.StoragePaths, Getenv: getenv}
		if err := add(device.Definition(), device.New(probe, logger)); err != nil {
			return nil, err
		}
	}
	if enabled(presentation.Name) {
		out.Displays = display.Detect(opts.Displays, getenv)
		logger.Debug("display strategy selected", slog.String("kind", out.Displays.Kind()))
		h := presentation.New(out.Displays, logger)
		if err := add(presentation.Definition(), h); err != nil {
			return nil, err
		}
		host.Add(h)
	}
	if enabled(storage.Name) {
		store, err := storage.Open(opts.StoragePath)
		if err != nil {
			return nil, err
		}
		if err := add(storage.Definition(), storage.New(store, logger)); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	if enabled(persons.Name) {
		if err := add(persons.Definition(), persons.New(logger)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
