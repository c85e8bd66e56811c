package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_BuiltinsAndExternal(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.writeFile("ext/good/manifest.yaml", "name: xwalk.good\nentry_points: [Good, Better]\napi: api.js\n")
	e.writeFile("ext/good/api.js", "exports.ok = true;\n")

	out := e.run("", "list", "--extensions-dir", e.dir+"/ext")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, []string{"NAME", "SOURCE", "ENTRY", "POINTS"}, strings.Fields(lines[0]))

	rows := map[string][]string{}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		rows[fields[0]] = fields[1:]
	}
	assert.Equal(t, []string{"builtin", "-"}, rows["echo"])
	assert.Equal(t, []string{"builtin", "-"}, rows["xwalk.storage"])
	assert.Equal(t, []string{"external", "Good,Better"}, rows["xwalk.good"])
}

func TestList_Disable(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.env["XESH_DISABLE"] = "echo, navigator.presentation"
	out := e.run("", "list")
	assert.NotContains(t, out, "echo")
	assert.NotContains(t, out, "navigator.presentation")
	assert.Contains(t, out, "xwalk.test.persons")
}
