// Package device implements xwalk.experimental.system: read-only device
// capabilities (CPU, memory, storage and locale).
//
// Every command is available both asynchronously, as
// {"cmd": "getCPUInfo", "asyncCallId": N}, and synchronously, in which case
// the reply is the bare result object.
package device

import (
	_ "embed"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extension/dispatch"
	"golang.org/x/text/language"
)

// Name is the extension's JavaScript namespace.
const Name = "xwalk.experimental.system"

//go:embed device_api.js
var jsAPI string

// Definition returns the extension's definition.
func Definition() extension.Definition {
	return extension.Definition{Name: Name, JSAPI: jsAPI}
}

// ErrNotSupported is returned by a Probe that cannot read a capability on
// this platform.
var ErrNotSupported = errors.New("not supported on " + runtime.GOOS)

// CPUInfo is the result of getCPUInfo.
type CPUInfo struct {
	NumOfProcessors int     `json:"numOfProcessors"`
	ArchName        string  `json:"archName"`
	Load            float64 `json:"load"`
}

// MemoryInfo is the result of getMemoryInfo. Sizes are in bytes.
type MemoryInfo struct {
	Capacity      uint64 `json:"capacity"`
	AvailCapacity uint64 `json:"availCapacity"`
}

// StorageUnit is one entry of getStorageInfo. Sizes are in bytes.
type StorageUnit struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Capacity      uint64 `json:"capacity"`
	AvailCapacity uint64 `json:"availCapacity"`
}

// StorageInfo is the result of getStorageInfo.
type StorageInfo struct {
	Storages []StorageUnit `json:"storages"`
}

// LocaleInfo is the result of getLocale.
type LocaleInfo struct {
	Locale string `json:"locale"`
}

// Probe reads capabilities from the system.
type Probe interface {
	CPU() (CPUInfo, error)
	Memory() (MemoryInfo, error)
	Storage() (StorageInfo, error)
	Locale() (LocaleInfo, error)
}

// Handler implements the extension.
type Handler struct {
	*dispatch.Mux
	probe Probe
}

// New returns a Handler reading from probe. A nil probe uses SystemProbe
// for the root filesystem.
func New(probe Probe, logger *slog.Logger) *Handler {
	if probe == nil {
		probe = &SystemProbe{}
	}
	h := &Handler{Mux: dispatch.NewMux(logger), probe: probe}
	h.register("getCPUInfo", func() (any, error) { return probe.CPU() })
	h.register("getMemoryInfo", func() (any, error) { return probe.Memory() })
	h.register("getStorageInfo", func() (any, error) { return probe.Storage() })
	h.register("getLocale", func() (any, error) { return probe.Locale() })
	return h
}

func (h *Handler) register(cmd string, read func() (any, error)) {
	h.Handle(cmd, func(c *dispatch.Call) error {
		v, err := read()
		if err != nil {
			return toDispatch(err)
		}
		c.Reply(v)
		return nil
	})
	h.HandleSync(cmd, func(*dispatch.Call) (any, error) {
		v, err := read()
		if err != nil {
			return nil, toDispatch(err)
		}
		return v, nil
	})
}

func toDispatch(err error) error {
	if errors.Is(err, ErrNotSupported) {
		return dispatch.NewError("NotSupportedError", "%v", err)
	}
	return dispatch.NewError("UnknownError", "%v", err)
}

// SystemProbe reads capabilities from the running system.
type SystemProbe struct {
	// Paths are the mount points reported by Storage. Empty means "/".
	Paths []string
	// Getenv looks up locale variables. Nil uses os.Getenv.
	Getenv func(string) string
}

// CPU implements Probe.
func (p *SystemProbe) CPU() (CPUInfo, error) {
	info := CPUInfo{NumOfProcessors: runtime.NumCPU(), ArchName: runtime.GOARCH}
	load, err := loadAverage()
	if err != nil && !errors.Is(err, ErrNotSupported) {
		return CPUInfo{}, err
	}
	// normalised to [0, 1] across all processors, as the original reported
	info.Load = min(load/float64(info.NumOfProcessors), 1)
	return info, nil
}

// Memory implements Probe.
func (p *SystemProbe) Memory() (MemoryInfo, error) { return memoryInfo() }

// Storage implements Probe.
func (p *SystemProbe) Storage() (StorageInfo, error) {
	paths := p.Paths
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	out := StorageInfo{Storages: make([]StorageUnit, 0, len(paths))}
	for i, path := range paths {
		total, avail, err := diskUsage(path)
		if err != nil {
			return StorageInfo{}, err
		}
		unit := StorageUnit{
			ID:            strconv.Itoa(i + 1),
			Name:          storageName(i, path),
			Type:          storageType(path),
			Capacity:      total,
			AvailCapacity: avail,
		}
		out.Storages = append(out.Storages, unit)
	}
	return out, nil
}

// Locale implements Probe. It reads LC_ALL, LC_MESSAGES then LANG, and
// falls back to en-US.
func (p *SystemProbe) Locale() (LocaleInfo, error) {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if tag, ok := parseLocale(getenv(key)); ok {
			return LocaleInfo{Locale: tag.String()}, nil
		}
	}
	return LocaleInfo{Locale: language.AmericanEnglish.String()}, nil
}

// parseLocale turns a POSIX locale such as "de_DE.UTF-8@euro" into a BCP 47
// tag.
func parseLocale(s string) (language.Tag, bool) {
	if i := strings.IndexAny(s, ".@"); i >= 0 {
		s = s[:i]
	}
	if s == "" || s == "C" || s == "POSIX" {
		return language.Tag{}, false
	}
	tag, err := language.Parse(strings.ReplaceAll(s, "_", "-"))
	if err != nil {
		return language.Tag{}, false
	}
	return tag, true
}

func storageName(i int, path string) string {
	if i == 0 {
		return "Internal"
	}
	return path
}

func storageType(path string) string {
	for _, prefix := range []string{"/media/", "/run/media/", "/mnt/", "/Volumes/"} {
		if strings.HasPrefix(path, prefix) {
			return "removable"
		}
	}
	return "fixed"
}
