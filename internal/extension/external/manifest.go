// Package external loads extensions declared by manifest files.
//
// An extensions directory holds one subdirectory per extension, each with a
// manifest.yaml:
//
//	name: xwalk.example.clock
//	entry_points: [Clock]
//	api: api.js       # script run in each script context
//	native: native.js # optional; runs on the host thread
//
// The native script may define onInstanceCreated(id), onInstanceDestroyed(id),
// onMessage(id, msg) and onSyncMessage(id, msg). It sees a bridge object
// with postMessage(id, msg), broadcastMessage(msg), log(...) and name.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest's file name within an extension directory.
const ManifestFile = "manifest.yaml"

// Manifest describes one external extension.
type Manifest struct {
	Name        string   `yaml:"name"`
	EntryPoints []string `yaml:"entry_points"`
	API         string   `yaml:"api"`
	Native      string   `yaml:"native"`

	// Dir is the extension's directory.
	Dir string `yaml:"-"`
	// APISource and NativeSource are the loaded scripts.
	APISource    string `yaml:"-"`
	NativeSource string `yaml:"-"`
}

var errInvalidManifest = errors.New("invalid manifest")

// ReadManifest reads and validates dir/manifest.yaml and the scripts it
// names.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errInvalidManifest, dir, err)
	}
	m.Dir = dir
	if m.Name == "" {
		return nil, fmt.Errorf("%w: %s: name is required", errInvalidManifest, dir)
	}
	if m.API == "" {
		return nil, fmt.Errorf("%w: %s: api is required", errInvalidManifest, dir)
	}
	if m.APISource, err = readScript(dir, m.API); err != nil {
		return nil, err
	}
	if m.Native != "" {
		if m.NativeSource, err = readScript(dir, m.Native); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// readScript reads a script named relative to dir, refusing paths that
// leave it.
func readScript(dir, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %s: script path %q is outside the extension directory", errInvalidManifest, dir, name)
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", errInvalidManifest, dir, err)
	}
	return string(b), nil
}

// Scan reads every manifest under root, in directory name order. Invalid
// manifests are logged and skipped; directories without one are ignored.
func Scan(root string, logger *slog.Logger) ([]*Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		m, err := ReadManifest(dir)
		switch {
		case errors.Is(err, os.ErrNotExist) && !errors.Is(err, errInvalidManifest):
			continue
		case err != nil:
			logger.Warn("skipping extension", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
