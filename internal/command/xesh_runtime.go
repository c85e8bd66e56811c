package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dop251/goja"
	"github.com/joeycumines/xwalk-bridge/internal/config"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extension/external"
	"github.com/joeycumines/xwalk-bridge/internal/extensions"
	"github.com/joeycumines/xwalk-bridge/internal/lifecycle"
	"github.com/joeycumines/xwalk-bridge/internal/logging"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
)

// nativeFactory builds the native peer the registry talks to. The returned
// func releases it.
type nativeFactory func(host *mainthread.Thread, logger *slog.Logger) (extension.Native, func(), error)

// runtime is one running bridge: host thread, native peer, registry and
// every extension, resumed.
type runtime struct {
	settings  config.Settings
	log       *logging.Logger
	host      *mainthread.Thread
	lifecycle *lifecycle.Host
	registry  *extension.Registry
	builtins  *extensions.Builtins
	external  []*extension.Extension

	closeNative func()
}

// newLogger builds the process logger from resolved settings.
func newLogger(s config.Settings, stderr io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.Setup(logging.Options{
		Level:      level,
		Format:     s.LogFormat,
		File:       s.LogFile,
		MaxSizeMB:  s.LogMaxSizeMB,
		MaxFiles:   s.LogMaxFiles,
		BufferSize: s.LogBufferSize,
	}, stderr)
}

// startRuntime assembles and resumes a runtime. On error everything started
// so far is released. The runtime lives until Close, so that shutdown can
// still run on the host thread after a cancellation.
func startRuntime(s config.Settings, log *logging.Logger, newNative nativeFactory) (_ *runtime, err error) {
	rt := &runtime{settings: s, log: log}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.host, err = mainthread.New(context.Background(), mainthread.WithLogger(log.Logger), mainthread.WithTimeout(s.SyncTimeout))
	if err != nil {
		return nil, err
	}
	native, closeNative, err := newNative(rt.host, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start native peer: %w", err)
	}
	rt.closeNative = closeNative

	rt.lifecycle = lifecycle.New(log.Logger)
	rt.registry = extension.NewRegistry(native, extension.WithLogger(log.Logger))
	rt.builtins, err = extensions.Register(rt.registry, rt.lifecycle, extensions.Options{
		Disable:     s.Disable,
		StoragePath: s.StoragePath,
		Displays:    s.Displays,
		Logger:      log.Logger,
	})
	if err != nil {
		return nil, err
	}
	if s.ExtensionsDir != "" {
		rt.external, err = external.Load(rt.host, rt.registry, s.ExtensionsDir, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load extensions from %s: %w", s.ExtensionsDir, err)
		}
	}

	if err := rt.onHost(func() error { rt.lifecycle.Resume(); return nil }); err != nil {
		return nil, err
	}
	log.Debug("runtime started", slog.Any("extensions", rt.registry.Names()))
	return rt, nil
}

// onHost runs fn on the host thread and waits.
func (rt *runtime) onHost(fn func() error) error {
	return rt.host.TrySync(nil, func(*goja.Runtime) error { return fn() })
}

// Close releases the native peer first, so that its instance teardown
// reaches the handlers before the host lifecycle ends and the registry
// closes. Safe on a partially started runtime.
func (rt *runtime) Close() {
	if rt.closeNative != nil {
		rt.closeNative()
	}
	if rt.host != nil {
		err := rt.onHost(func() error {
			if rt.lifecycle != nil {
				rt.lifecycle.Destroy()
			}
			if rt.registry != nil {
				rt.registry.Close()
			}
			return nil
		})
		if err != nil {
			rt.log.Warn("shutdown on host thread failed", slog.Any("error", err))
		}
		rt.host.Stop()
	}
}
