package command

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/joeycumines/xwalk-bridge/internal/engine"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
	"github.com/spf13/cobra"
)

func newListCommand(a *app) *cobra.Command {
	var f runtimeFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the extensions a runtime would register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.settings("")
			if err != nil {
				return err
			}
			f.apply(cmd, &s)
			log, err := newLogger(s, a.stderr)
			if err != nil {
				return err
			}
			defer log.Close()

			rt, err := startRuntime(s, log, func(host *mainthread.Thread, logger *slog.Logger) (extension.Native, func(), error) {
				e, err := engine.New(cmd.Context(), host, engine.WithLogger(logger))
				if err != nil {
					return nil, nil, err
				}
				return e, e.Close, nil
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tENTRY POINTS")
			for _, name := range rt.registry.Names() {
				ext, ok := rt.registry.Lookup(name)
				if !ok {
					continue
				}
				source := "builtin"
				if slices.Contains(rt.external, ext) {
					source = "external"
				}
				entryPoints := strings.Join(ext.EntryPoints(), ",")
				if entryPoints == "" {
					entryPoints = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, source, entryPoints)
			}
			return w.Flush()
		},
	}
	f.register(cmd)
	return cmd
}
