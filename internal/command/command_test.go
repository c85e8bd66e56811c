package command

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joeycumines/xwalk-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv runs xesh against a private config file and environment.
type testEnv struct {
	t   *testing.T
	dir string
	env map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{t: t, dir: t.TempDir(), env: map[string]string{}}
}

func (e *testEnv) configPath() string { return filepath.Join(e.dir, "config") }

func (e *testEnv) app(stdin string) (*app, *testutil.SyncBuffer, *testutil.SyncBuffer) {
	stdout, stderr := &testutil.SyncBuffer{}, &testutil.SyncBuffer{}
	return &app{
		flags:  globalFlags{configPath: e.configPath()},
		stdin:  strings.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
		lookupEnv: func(k string) (string, bool) {
			v, ok := e.env[k]
			return v, ok
		},
	}, stdout, stderr
}

// runErr executes args with stdin, returning stdout and the error.
func (e *testEnv) runErr(stdin string, args ...string) (string, error) {
	e.t.Helper()
	a, stdout, stderr := e.app(stdin)
	root := newRootCommand(a, "test")
	root.SetArgs(append([]string{"--config", e.configPath()}, args...))
	err := root.ExecuteContext(context.Background())
	if err != nil {
		e.t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func (e *testEnv) run(stdin string, args ...string) string {
	e.t.Helper()
	out, err := e.runErr(stdin, args...)
	require.NoError(e.t, err)
	return out
}

func (e *testEnv) writeFile(rel, body string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(e.t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRoot_Help(t *testing.T) {
	t.Parallel()
	out := newTestEnv(t).run("")
	for _, sub := range []string{"shell", "serve", "list", "config", "log"} {
		assert.Contains(t, out, sub)
	}
}

func TestRoot_InvalidConfiguration(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.env["XESH_SYNC_TIMEOUT"] = "whenever"
	_, err := e.runErr("", "shell")
	assert.ErrorContains(t, err, "sync-timeout")
}

func TestRoot_InvalidLogLevelFlag(t *testing.T) {
	t.Parallel()
	_, err := newTestEnv(t).runErr("", "--log-level", "loud", "shell")
	assert.ErrorContains(t, err, "invalid log level")
}
