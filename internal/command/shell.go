package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja_nodejs/console"
	"github.com/joeycumines/xwalk-bridge/internal/config"
	"github.com/joeycumines/xwalk-bridge/internal/engine"
	"github.com/joeycumines/xwalk-bridge/internal/extension"
	"github.com/joeycumines/xwalk-bridge/internal/extensions/presentation/display"
	"github.com/joeycumines/xwalk-bridge/internal/mainthread"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runtimeFlags are the runtime options subcommands may override.
type runtimeFlags struct {
	extensionsDir string
	storagePath   string
	displays      int
	disable       []string
	syncTimeout   time.Duration
}

func (f *runtimeFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.extensionsDir, "extensions-dir", "", "Directory of manifest extensions")
	fs.StringVar(&f.storagePath, "storage-path", "", "SQLite file for xwalk.storage")
	fs.IntVar(&f.displays, "displays", 0, "Virtual secondary displays to simulate")
	fs.StringSliceVar(&f.disable, "disable", nil, "Built-in extensions not to register")
	fs.DurationVar(&f.syncTimeout, "sync-timeout", 0, "Bound on a synchronous message round trip")
}

// apply overrides s with the flags the user set.
func (f *runtimeFlags) apply(cmd *cobra.Command, s *config.Settings) {
	fs := cmd.Flags()
	if fs.Changed("extensions-dir") {
		s.ExtensionsDir = f.extensionsDir
	}
	if fs.Changed("storage-path") {
		s.StoragePath = f.storagePath
	}
	if fs.Changed("displays") {
		s.Displays = f.displays
	}
	if fs.Changed("disable") {
		s.Disable = f.disable
	}
	if fs.Changed("sync-timeout") {
		s.SyncTimeout = f.syncTimeout
	}
}

type shellFlags struct {
	runtimeFlags
	inputFile string
	eval      []string
}

func newShellCommand(a *app) *cobra.Command {
	var f shellFlags
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive script context with every extension bound",
		Long: `Starts the bridge with the in-process engine and opens one script context.
Each input line is evaluated as JavaScript; lines starting with '.' are shell
commands (see .help). Input comes from --input-file, from a terminal with line
editing, or from piped stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd, a, &f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&f.inputFile, "input-file", "f", "", "Read input lines from a file")
	cmd.Flags().StringArrayVarP(&f.eval, "eval", "e", nil, "Evaluate code before reading input (repeatable)")
	return cmd
}

func runShell(cmd *cobra.Command, a *app, f *shellFlags) error {
	s, err := a.settings("shell")
	if err != nil {
		return err
	}
	f.apply(cmd, &s)

	out := &switchWriter{w: a.stdout}
	errOut := &switchWriter{w: a.stderr}
	log, err := newLogger(s, errOut)
	if err != nil {
		return err
	}
	defer log.Close()

	var eng *engine.Engine
	rt, err := startRuntime(s, log, func(host *mainthread.Thread, logger *slog.Logger) (extension.Native, func(), error) {
		e, err := engine.New(context.Background(), host, engine.WithLogger(logger), engine.WithConsole(consoleWriter{out}))
		if err != nil {
			return nil, nil, err
		}
		eng = e
		return e, e.Close, nil
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	sh, err := newShell(rt, eng, out)
	if err != nil {
		return err
	}
	for _, src := range f.eval {
		sh.exec(src)
	}

	lines, cleanup, err := openInput(a.stdin, f.inputFile, s.Prompt, len(f.eval) > 0, out, errOut)
	if err != nil {
		return err
	}
	defer cleanup()
	if lines == nil {
		return nil
	}
	for {
		line, err := lines.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
		if sh.exec(line) {
			return nil
		}
	}
}

type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct{ *bufio.Scanner }

func (r scannerReader) ReadLine() (string, error) {
	if r.Scan() {
		return r.Text(), nil
	}
	if err := r.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// openInput picks the input source. A nil reader means there is nothing to
// read: stdin is a terminal and --eval already ran.
func openInput(stdin io.Reader, path, prompt string, evaluated bool, out, errOut *switchWriter) (lineReader, func(), error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open input file: %w", err)
		}
		return scannerReader{bufio.NewScanner(f)}, func() { _ = f.Close() }, nil
	}

	file, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return scannerReader{bufio.NewScanner(stdin)}, func() {}, nil
	}
	if evaluated {
		return nil, func() {}, nil
	}

	fd := int(file.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set terminal raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{file, out.get()}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	// the terminal redraws the prompt around anything written through it
	out.set(t)
	errOut.set(t)
	return t, func() {
		out.set(nil)
		errOut.set(nil)
		_ = term.Restore(fd, state)
	}, nil
}

// switchWriter is an io.Writer whose target can change while in use. A nil
// target restores the original.
type switchWriter struct {
	mu       sync.Mutex
	w        io.Writer
	override io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil {
		return s.override.Write(p)
	}
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.override = w
	s.mu.Unlock()
}

func (s *switchWriter) get() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

// consoleWriter prints script console output as lines.
type consoleWriter struct{ w io.Writer }

var _ console.Printer = consoleWriter{}

func (c consoleWriter) Log(s string)   { _, _ = fmt.Fprintln(c.w, s) }
func (c consoleWriter) Warn(s string)  { _, _ = fmt.Fprintln(c.w, "warn: "+s) }
func (c consoleWriter) Error(s string) { _, _ = fmt.Fprintln(c.w, "error: "+s) }

// shell evaluates input lines against one script context.
type shell struct {
	rt     *runtime
	engine *engine.Engine
	ctx    *engine.Context
	out    io.Writer
}

func newShell(rt *runtime, eng *engine.Engine, out io.Writer) (*shell, error) {
	c, err := eng.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create script context: %w", err)
	}
	return &shell{rt: rt, engine: eng, ctx: c, out: out}, nil
}

func (sh *shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(sh.out, format, args...)
}

// exec runs one line and reports whether the shell should exit.
func (sh *shell) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ".") {
		sh.eval(line)
		return false
	}

	fields, err := shellwords.Parse(line)
	if err != nil {
		sh.printf("error: %v\n", err)
		return false
	}
	if len(fields) == 0 {
		return false
	}
	args := fields[1:]
	switch fields[0] {
	case ".exit", ".quit":
		return true
	case ".help":
		sh.printf("%s", shellHelp)
	case ".extensions":
		sh.listExtensions()
	case ".context":
		sh.printf("%s\n", sh.ctx.ID())
	case ".reset":
		sh.reset()
	case ".logs":
		sh.logs(args)
	case ".display":
		sh.display(args)
	case ".pause":
		sh.onHost(func() { sh.rt.lifecycle.Pause() })
		sh.printf("%s\n", sh.rt.lifecycle.State())
	case ".resume":
		sh.onHost(func() { sh.rt.lifecycle.Resume() })
		sh.printf("%s\n", sh.rt.lifecycle.State())
	case ".sleep":
		d := 100 * time.Millisecond
		if len(args) > 0 {
			var err error
			if d, err = time.ParseDuration(args[0]); err != nil {
				sh.printf("error: %v\n", err)
				return false
			}
		}
		time.Sleep(d)
	default:
		sh.printf("unknown command %s (try .help)\n", fields[0])
	}
	return false
}

const shellHelp = `.help                 this help
.exit                 leave the shell
.extensions           registered extensions and this context's instances
.context              this context's ID
.reset                close this context and open a fresh one
.logs [n]             the last n log records (default 20)
.logs search TEXT     log records containing TEXT
.display              list secondary displays
.display add [NAME]   attach a virtual display
.display remove ID    detach a virtual display
.pause, .resume       drive the host lifecycle
.sleep [DURATION]     wait, letting asynchronous replies arrive
`

func (sh *shell) eval(src string) {
	v, err := sh.ctx.Run("<shell>", src)
	if err != nil {
		sh.printf("error: %v\n", err)
		return
	}
	if v != "undefined" {
		sh.printf("%s\n", v)
	}
}

func (sh *shell) onHost(fn func()) {
	if err := sh.rt.onHost(func() error { fn(); return nil }); err != nil {
		sh.printf("error: %v\n", err)
	}
}

func (sh *shell) listExtensions() {
	bound := sh.ctx.Instances()
	for _, name := range sh.rt.registry.Names() {
		if id, ok := bound[name]; ok {
			sh.printf("%s (instance %d)\n", name, id)
		} else {
			sh.printf("%s (unbound)\n", name)
		}
	}
}

func (sh *shell) reset() {
	c, err := sh.engine.NewContext()
	if err != nil {
		sh.printf("error: %v\n", err)
		return
	}
	_ = sh.ctx.Close()
	sh.ctx = c
	sh.printf("%s\n", c.ID())
}

func (sh *shell) logs(args []string) {
	ring := sh.rt.log.Ring
	if len(args) > 0 && args[0] == "search" {
		for _, e := range ring.Search(strings.Join(args[1:], " ")) {
			sh.printf("%s\n", e)
		}
		return
	}
	n := 20
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			sh.printf("error: invalid count %q\n", args[0])
			return
		}
		n = v
	}
	for _, e := range ring.Recent(n) {
		sh.printf("%s\n", e)
	}
}

func (sh *shell) display(args []string) {
	b := sh.rt.builtins
	if b == nil || b.Displays == nil {
		sh.printf("presentation is disabled\n")
		return
	}
	if len(args) == 0 {
		sh.printf("%s\n", b.Displays.Kind())
		for _, d := range b.Displays.PresentationDisplays() {
			sh.printf("%d %s\n", d.ID, d.Name)
		}
		return
	}
	v, ok := b.Displays.(*display.Virtual)
	if !ok {
		sh.printf("error: %s displays can't be changed\n", b.Displays.Kind())
		return
	}
	switch args[0] {
	case "add":
		name := strings.Join(args[1:], " ")
		var d display.Display
		sh.onHost(func() { d = v.Add(name) })
		sh.printf("%d %s\n", d.ID, d.Name)
	case "remove":
		if len(args) != 2 {
			sh.printf("usage: .display remove ID\n")
			return
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			sh.printf("error: invalid display ID %q\n", args[1])
			return
		}
		var removed bool
		sh.onHost(func() { removed = v.Remove(id) })
		if !removed {
			sh.printf("no display %d\n", id)
		}
	default:
		sh.printf("usage: .display [add [NAME] | remove ID]\n")
	}
}
