package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const followInterval = 200 * time.Millisecond

type logFlags struct {
	follow bool
	lines  int
	file   string
}

func newLogCommand(a *app) *cobra.Command {
	var f logFlags
	cmd := &cobra.Command{
		Use:   "log [tail]",
		Short: "Print the end of the log file",
		Long:  `Prints the last lines of the configured log file. "log tail" is "log --follow".`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if args[0] != "tail" {
					return fmt.Errorf("unknown subcommand: %s", args[0])
				}
				f.follow = true
			}
			path := f.file
			if path == "" {
				s, err := a.settings("")
				if err != nil {
					return err
				}
				path = s.LogFile
			}
			if path == "" {
				return errors.New("no log file configured: use --file or set log.file")
			}
			if !f.follow {
				return tailLines(path, f.lines, a.stdout)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tailFollow(ctx, path, f.lines, a.stdout, a.stderr)
		},
	}
	cmd.Flags().BoolVarP(&f.follow, "follow", "F", false, "Keep printing lines as they are written")
	cmd.Flags().IntVarP(&f.lines, "lines", "n", 10, "Number of lines to show from the end")
	cmd.Flags().StringVar(&f.file, "file", "", "Log file (default log.file)")
	return cmd
}

func tailLines(path string, n int, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	lines, err := lastLines(f, n)
	for _, line := range lines {
		_, _ = fmt.Fprintln(stdout, line)
	}
	return err
}

// lastLines returns up to the last n lines of r, keeping only n in memory.
func lastLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if count <= n {
		return ring[:count], scanner.Err()
	}
	start := count % n
	return append(ring[start:], ring[:start]...), scanner.Err()
}

// tailFollow prints the last n lines, then new lines until ctx is done.
// Rotation (the path now names a different or shorter file) reopens it.
func tailFollow(ctx context.Context, path string, n int, stdout, stderr io.Writer) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "waiting for log file: %s\n", path)
		f, err = waitForFile(ctx, path)
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	lines, err := lastLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(stdout, line)
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	// the directory watch wakes us early; the ticker covers filesystems
	// without notifications
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = w.Close() }()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events, watchErrs = w.Events, w.Errors
		}
	}
	target := filepath.Clean(path)

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			} else {
				_, _ = fmt.Fprintf(stderr, "watch error: %v\n", err)
			}
			continue
		}

		if rotated(f, path, pos) {
			next, err := waitForFile(ctx, path)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			_ = f.Close()
			f, reader, pos, partial = next, bufio.NewReader(next), 0, ""
		}

		for {
			chunk, err := reader.ReadString('\n')
			pos += int64(len(chunk))
			partial += chunk
			if err != nil {
				break
			}
			_, _ = fmt.Fprint(stdout, partial)
			partial = ""
		}
	}
}

// rotated reports whether path no longer names f's content from pos on.
func rotated(f *os.File, path string, pos int64) bool {
	pathInfo, err := os.Stat(path)
	if err != nil {
		return true
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(pathInfo, fileInfo) || pathInfo.Size() < pos
}

// waitForFile polls until path can be opened or ctx is done.
func waitForFile(ctx context.Context, path string) (*os.File, error) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
