package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joeycumines/xwalk-bridge/internal/config"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
	"github.com/joeycumines/xwalk-bridge/internal/remote"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	runtimeFlags
	listen string
}

func newServeCommand(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extensions to remote script contexts over a websocket",
		Long: `Starts the bridge with the websocket transport. Each connection is one
script context: it binds extensions by name and exchanges messages keyed by
instance ID. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.settings("serve")
			if err != nil {
				return err
			}
			f.apply(cmd, &s)
			if cmd.Flags().Changed("listen") {
				s.Listen = f.listen
			}

			ln, err := net.Listen("tcp", s.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", s.Listen, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveOn(ctx, s, ln)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.listen, "listen", "", "Listen address (default 127.0.0.1:7681)")
	return cmd
}

// serveOn serves ln until ctx is done, then shuts down.
func (a *app) serveOn(ctx context.Context, s config.Settings, ln net.Listener) error {
	log, err := newLogger(s, a.stderr)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer log.Close()

	var srv *remote.Server
	rt, err := startRuntime(s, log, func(host *mainthread.Thread, logger *slog.Logger) (extension.Native, func(), error) {
		opts := []remote.Option{remote.WithLogger(logger), remote.WithSyncTimeout(s.SyncTimeout)}
		if check := checkOrigin(s.AllowedOrigins); check != nil {
			opts = append(opts, remote.WithCheckOrigin(check))
		}
		srv = remote.NewServer(host, opts...)
		return srv, srv.Close, nil
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer rt.Close()

	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	url := "ws://" + ln.Addr().String() + "/"
	log.Info("serving", slog.String("url", url), slog.Any("extensions", rt.registry.Names()))
	_, _ = fmt.Fprintf(a.stdout, "listening on %s\n", url)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("error", err))
	}
	return nil
}

// checkOrigin builds the websocket origin check. No origins keeps the
// default same-origin check; "*" allows any.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
