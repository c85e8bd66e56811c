package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	// TypeString is a plain string value (the default for all config values).
	TypeString OptionType = "string"
	// TypeBool is a boolean value (true/false/yes/no/1/0/on/off).
	TypeBool OptionType = "bool"
	// TypeInt is an integer value.
	TypeInt OptionType = "int"
	// TypeDuration is a Go time.Duration value (e.g. "30s", "5m", "1h").
	TypeDuration OptionType = "duration"
	// TypeList is a comma-separated list of names.
	TypeList OptionType = "list"
)

// ConfigOption declares a single configuration option with its type, default,
// documentation, and environment variable override.
type ConfigOption struct {
	// Key is the option name as it appears in the config file (kebab-case).
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
	// Section is "" for global options, or a command/section name.
	Section string
	// EnvVar is the environment variable that overrides this option, or "".
	EnvVar string
}

// ConfigSchema declares the expected configuration options.
type ConfigSchema struct {
	// LookupEnv reads override variables; nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)

	options   []*ConfigOption
	byKey     map[string]*ConfigOption
	bySection map[string]map[string]*ConfigOption
}

// NewSchema creates a new empty ConfigSchema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{
		byKey:     make(map[string]*ConfigOption),
		bySection: make(map[string]map[string]*ConfigOption),
	}
}

// Register adds a ConfigOption to the schema. The last registration of a
// key within a section wins.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	s.options = append(s.options, ref)
	if opt.Section == "" {
		s.byKey[opt.Key] = ref
		return
	}
	if s.bySection[opt.Section] == nil {
		s.bySection[opt.Section] = make(map[string]*ConfigOption)
	}
	s.bySection[opt.Section][opt.Key] = ref
}

// RegisterAll adds multiple ConfigOptions to the schema.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Options returns every registered option in registration order.
func (s *ConfigSchema) Options() []ConfigOption {
	out := make([]ConfigOption, len(s.options))
	for i, o := range s.options {
		out[i] = *o
	}
	return out
}

// Lookup returns the ConfigOption for a key in a given section ("" for
// global), or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	if section == "" {
		return s.byKey[key]
	}
	if sec, ok := s.bySection[section]; ok {
		return sec[key]
	}
	return nil
}

// IsKnown reports whether key may appear in section. Global keys are known
// in every section.
func (s *ConfigSchema) IsKnown(section, key string) bool {
	if section != "" && s.Lookup(section, key) != nil {
		return true
	}
	return s.byKey[key] != nil
}

// GlobalOptions returns all registered global options.
func (s *ConfigSchema) GlobalOptions() []ConfigOption {
	return s.SectionOptions("")
}

// SectionOptions returns all registered options for a specific section.
func (s *ConfigSchema) SectionOptions(section string) []ConfigOption {
	var out []ConfigOption
	for _, o := range s.options {
		if o.Section == section {
			out = append(out, *o)
		}
	}
	return out
}

// Sections returns the sorted non-empty section names.
func (s *ConfigSchema) Sections() []string {
	out := make([]string, 0, len(s.bySection))
	for sec := range s.bySection {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective value for key as seen from section ("" for
// global), checking in order: the option's environment variable, the
// section's value, the global value, the default.
func (s *ConfigSchema) Resolve(c *Config, section, key string) string {
	opt := s.Lookup(section, key)
	if opt == nil {
		opt = s.Lookup("", key)
	}
	if opt != nil && opt.EnvVar != "" {
		lookup := s.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		if v, ok := lookup(opt.EnvVar); ok {
			return v
		}
	}
	if v, ok := c.GetCommandOption(section, key); ok {
		return v
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig checks a loaded Config against the schema and returns
// sorted human-readable issues: unknown options and type mismatches.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string

	for key, value := range c.Global {
		opt := s.Lookup("", key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	for section, opts := range c.Commands {
		for key, value := range opts {
			if !s.IsKnown(section, key) {
				issues = append(issues, fmt.Sprintf("unknown option for command %q: %q (value: %q)", section, key, value))
				continue
			}
			opt := s.Lookup(section, key)
			if opt == nil {
				opt = s.Lookup("", key)
			}
			if err := validateType(opt.Type, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}

	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, TypeList, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FormatHelp returns a human-readable reference of every option, grouped by
// section.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder

	if globals := s.GlobalOptions(); len(globals) > 0 {
		b.WriteString("Global Options:\n")
		for _, o := range globals {
			writeOptionHelp(&b, o)
		}
	}

	for _, sec := range s.Sections() {
		opts := s.SectionOptions(sec)
		if len(opts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] Options:\n", sec)
		for _, o := range opts {
			writeOptionHelp(&b, o)
		}
	}

	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-24s %s", o.Key, o.Description)
	parts := make([]string, 0, 3)
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, fmt.Sprintf("type: %s", o.Type))
	}
	if o.Default != "" {
		parts = append(parts, fmt.Sprintf("default: %s", o.Default))
	}
	if o.EnvVar != "" {
		parts = append(parts, fmt.Sprintf("env: %s", o.EnvVar))
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// DefaultSchema returns the schema of every xesh option.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: "log.level", Type: TypeString, Default: "info", Description: "Log level: debug, info, warn, error", EnvVar: "XESH_LOG_LEVEL"},
		{Key: "log.format", Type: TypeString, Default: "text", Description: "Log format: text, json", EnvVar: "XESH_LOG_FORMAT"},
		{Key: "log.file", Type: TypeString, Description: "Log file path (default stderr)", EnvVar: "XESH_LOG_FILE"},
		{Key: "log.max-size-mb", Type: TypeInt, Default: "10", Description: "Max log file size in MB before rotation"},
		{Key: "log.max-files", Type: TypeInt, Default: "5", Description: "Max number of rotated log backup files"},
		{Key: "log.buffer-size", Type: TypeInt, Default: "1000", Description: "In-memory log buffer size (entries)"},

		{Key: "sync-timeout", Type: TypeDuration, Default: "10s", Description: "Bound on a synchronous message round trip", EnvVar: "XESH_SYNC_TIMEOUT"},
		{Key: "extensions.dir", Type: TypeString, Description: "Directory of manifest extensions", EnvVar: "XESH_EXTENSIONS_DIR"},
		{Key: "extensions.disable", Type: TypeList, Description: "Built-in extensions not to register", EnvVar: "XESH_DISABLE"},
		{Key: "storage.path", Type: TypeString, Description: "SQLite file for xwalk.storage (default in-memory)", EnvVar: "XESH_STORAGE_PATH"},
		{Key: "displays", Type: TypeInt, Default: "0", Description: "Virtual secondary displays to simulate (0 detects)", EnvVar: "XESH_DISPLAYS"},

		{Key: "listen", Section: "serve", Type: TypeString, Default: "127.0.0.1:7681", Description: "Websocket listen address", EnvVar: "XESH_LISTEN"},
		{Key: "allowed-origins", Section: "serve", Type: TypeList, Description: "Origins allowed to connect (default same-origin)"},

		{Key: "prompt", Section: "shell", Type: TypeString, Default: "xesh> ", Description: "REPL prompt"},
	})
	return s
}

// Settings is the resolved, typed view of every option for one command.
type Settings struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxFiles   int
	LogBufferSize int

	SyncTimeout   time.Duration
	ExtensionsDir string
	Disable       []string
	StoragePath   string
	Displays      int

	Listen         string
	AllowedOrigins []string
	Prompt         string
}

// Settings resolves every option as seen from section. Values that fail to
// parse are errors here, unlike in ValidateConfig.
func (s *ConfigSchema) Settings(c *Config, section string) (Settings, error) {
	var errs []error
	str := func(key string) string { return s.Resolve(c, section, key) }
	num := func(key string) int {
		v := str(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: expected int, got %q", key, v))
		}
		return n
	}
	dur := func(key string) time.Duration {
		v := str(key)
		if v == "" {
			return 0
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: expected duration, got %q", key, v))
		}
		return d
	}

	out := Settings{
		LogLevel:       str("log.level"),
		LogFormat:      str("log.format"),
		LogFile:        str("log.file"),
		LogMaxSizeMB:   num("log.max-size-mb"),
		LogMaxFiles:    num("log.max-files"),
		LogBufferSize:  num("log.buffer-size"),
		SyncTimeout:    dur("sync-timeout"),
		ExtensionsDir:  str("extensions.dir"),
		Disable:        splitList(str("extensions.disable")),
		StoragePath:    str("storage.path"),
		Displays:       num("displays"),
		Listen:         str("listen"),
		AllowedOrigins: splitList(str("allowed-origins")),
		Prompt:         str("prompt"),
	}
	if out.Displays < 0 {
		errs = append(errs, fmt.Errorf("displays: must not be negative, got %d", out.Displays))
	}
	return out, errors.Join(errs...)
}
