package command

import (
	"fmt"

	"github.com/joeycumines/xwalk-bridge/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [key [value]]",
		Short: "Show or change configuration",
		Long: `With no arguments, prints every option's effective value. With a key,
prints that option. With a key and a value, writes the option to the global
section of the config file.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := a.schema()
			switch len(args) {
			case 0:
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				for _, opt := range schema.Options() {
					_, _ = fmt.Fprintf(a.stdout, "%s %s\n", qualifiedKey(opt), schema.Resolve(cfg, opt.Section, opt.Key))
				}
				return nil
			case 1:
				opt, err := findOption(schema, args[0])
				if err != nil {
					return err
				}
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(a.stdout, schema.Resolve(cfg, opt.Section, opt.Key))
				return nil
			default:
				opt, err := findOption(schema, args[0])
				if err != nil {
					return err
				}
				if opt.Section != "" {
					return fmt.Errorf("%s belongs to the [%s] section; edit the config file to set it", opt.Key, opt.Section)
				}
				cfg := config.NewConfig()
				cfg.SetGlobalOption(opt.Key, args[1])
				if issues := config.ValidateConfig(cfg, schema); len(issues) > 0 {
					return fmt.Errorf("invalid value: %s", issues[0])
				}
				path, err := a.configPath()
				if err != nil {
					return err
				}
				if err := config.SetKeyInFile(path, opt.Key, args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.stdout, "%s set in %s\n", opt.Key, path)
				return nil
			}
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Describe every option",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				_, _ = fmt.Fprint(a.stdout, a.schema().FormatHelp())
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				path, err := a.configPath()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(a.stdout, path)
				return nil
			},
		},
	)
	return cmd
}

// findOption looks key up globally, then as "section.key".
func findOption(s *config.ConfigSchema, key string) (*config.ConfigOption, error) {
	if opt := s.Lookup("", key); opt != nil {
		return opt, nil
	}
	for _, sec := range s.Sections() {
		for _, opt := range s.SectionOptions(sec) {
			if qualifiedKey(opt) == key {
				return &opt, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown option: %s", key)
}

func qualifiedKey(opt config.ConfigOption) string {
	if opt.Section == "" {
		return opt.Key
	}
	return opt.Section + "." + opt.Key
}
