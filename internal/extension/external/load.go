package external

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
)

// Load registers every valid extension under dir. A missing dir is not an
// error. Extensions whose script fails to load, or that the registry
// rejects, are logged and skipped.
func Load(host *mainthread.Thread, reg *extension.Registry, dir string, logger *slog.Logger) ([]*extension.Extension, error) {
	if logger == nil {
		logger = slog.Default()
	}
	manifests, err := Scan(dir, logger)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no extensions directory", slog.String("dir", dir))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*extension.Extension
	for _, m := range manifests {
		h, err := NewHandler(host, m, logger)
		if err != nil {
			logger.Warn("skipping extension", slog.String("dir", m.Dir), slog.Any("error", err))
			continue
		}
		ext, err := reg.Register(extension.Definition{
			Name:        m.Name,
			JSAPI:       m.APISource,
			EntryPoints: m.EntryPoints,
		}, h)
		if err != nil {
			logger.Warn("skipping extension", slog.String("dir", m.Dir), slog.Any("error", err))
			continue
		}
		logger.Info("loaded extension", slog.String("extension", m.Name), slog.String("dir", m.Dir))
		out = append(out, ext)
	}
	return out, nil
}
