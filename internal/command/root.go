// Package command implements the xesh command line: an interactive shell on
// the in-process engine, a websocket server for remote script contexts, and
// configuration helpers.
package command

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/xwalk-bridge/internal/config"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
}

// app carries what every subcommand needs.
type app struct {
	flags  globalFlags
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// lookupEnv overrides the environment for config resolution.
	lookupEnv func(string) (string, bool)
}

// NewRootCommand builds the xesh command tree.
func NewRootCommand(version string, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newRootCommand(&app{stdin: stdin, stdout: stdout, stderr: stderr}, version)
}

func newRootCommand(a *app, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "xesh",
		Short:         "Extension message bridge shell",
		Long:          "xesh hosts named native extensions and the script contexts that talk to them, in process or over a websocket.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "Config file (default $XESH_CONFIG or ~/.xesh/config)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "Log format: text, json")
	pf.StringVar(&a.flags.logFile, "log-file", "", "Log file (default stderr)")

	root.AddCommand(
		newShellCommand(a),
		newServeCommand(a),
		newListCommand(a),
		newConfigCommand(a),
		newLogCommand(a),
	)
	return root
}

// Execute runs xesh with the process's arguments and streams, returning the
// exit code.
func Execute(version string) int {
	root := NewRootCommand(version, os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// configPath resolves the config file: flag, then XESH_CONFIG, then the
// default location.
func (a *app) configPath() (string, error) {
	if a.flags.configPath != "" {
		return a.flags.configPath, nil
	}
	if a.lookupEnv != nil {
		return config.ResolvePath(a.lookupEnv, os.UserHomeDir)
	}
	return config.GetConfigPath()
}

func (a *app) schema() *config.ConfigSchema {
	s := config.DefaultSchema()
	s.LookupEnv = a.lookupEnv
	return s
}

// loadConfig reads the config file, reporting its warnings on stderr.
func (a *app) loadConfig() (*config.Config, error) {
	path, err := a.configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		_, _ = fmt.Fprintf(a.stderr, "warning: %s: %s\n", path, w)
	}
	return cfg, nil
}

// settings resolves every option for section, with command line flags
// taking precedence.
func (a *app) settings(section string) (config.Settings, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return config.Settings{}, err
	}
	s, err := a.schema().Settings(cfg, section)
	if err != nil {
		return config.Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if a.flags.logLevel != "" {
		s.LogLevel = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		s.LogFormat = a.flags.logFormat
	}
	if a.flags.logFile != "" {
		s.LogFile = a.flags.logFile
	}
	return s, nil
}
