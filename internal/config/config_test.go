package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigParsing(t *testing.T) {
	configContent := `# Global options
log.level debug
sync-timeout 2s
extensions.disable   echo,device

[serve]
# where to listen
listen 0.0.0.0:9000

[shell]
prompt >> `

	config, err := LoadFromReader(strings.NewReader(configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if value, ok := config.GetGlobalOption("log.level"); !ok || value != "debug" {
		t.Errorf("Expected log.level=debug, got %s (exists: %v)", value, ok)
	}
	if got := config.GetDuration("sync-timeout"); got != 2*time.Second {
		t.Errorf("Expected sync-timeout=2s, got %v", got)
	}
	if got := config.GetString("extensions.disable"); got != "echo,device" {
		t.Errorf("Expected extra spaces trimmed, got %q", got)
	}
	if value, ok := config.GetCommandOption("serve", "listen"); !ok || value != "0.0.0.0:9000" {
		t.Errorf("Expected serve.listen, got %s (exists: %v)", value, ok)
	}
	// falls back to the global option
	if value, ok := config.GetCommandOption("serve", "log.level"); !ok || value != "debug" {
		t.Errorf("Expected serve log.level=debug (fallback), got %s (exists: %v)", value, ok)
	}
	if value, ok := config.GetCommandOption("nonexistent", "option"); ok {
		t.Errorf("Expected nonexistent option to not exist, but got %s", value)
	}
	if config.HasWarnings() {
		t.Errorf("Expected no warnings, got %v", config.Warnings)
	}
}

func TestEmptyConfig(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Failed to load empty config: %v", err)
	}
	if len(config.Global) != 0 || len(config.Commands) != 0 {
		t.Errorf("Expected empty config, got %v %v", config.Global, config.Commands)
	}
}

func TestConfigWarnings(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader("colour auto\ndisplays two\n[serve]\nbogus 1\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	want := []string{
		`global option "displays": expected int, got "two"`,
		`unknown global option: "colour" (value: "auto")`,
		`unknown option for command "serve": "bogus" (value: "1")`,
	}
	if len(config.Warnings) != len(want) {
		t.Fatalf("Expected %d warnings, got %v", len(want), config.Warnings)
	}
	for i := range want {
		if config.Warnings[i] != want[i] {
			t.Errorf("warning %d: expected %q, got %q", i, want[i], config.Warnings[i])
		}
	}
}

func TestTypedGetters(t *testing.T) {
	config := NewConfig()
	config.SetGlobalOption("a", "yes")
	config.SetGlobalOption("n", "x")
	config.SetCommandOption("serve", "listen", ":1")

	if !config.GetBool("a") || config.GetBool("missing") {
		t.Error("GetBool mismatch")
	}
	if config.GetInt("n") != 0 || config.GetDuration("n") != 0 {
		t.Error("expected zero values for unparsable options")
	}
	if v, _ := config.GetCommandOption("serve", "listen"); v != ":1" {
		t.Errorf("expected :1, got %q", v)
	}
}

func TestLoadFromPathMissing(t *testing.T) {
	config, err := LoadFromPath(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if len(config.Global) != 0 {
		t.Errorf("expected empty config, got %v", config.Global)
	}
}

func TestLoadFromPathRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("displays 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "config")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := LoadFromPath(link); err == nil || !strings.Contains(err.Error(), "symlink") {
		t.Fatalf("expected symlink error, got %v", err)
	}
}

func TestLoadUsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("storage.path /tmp/kv.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XESH_CONFIG", path)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := config.GetString("storage.path"); got != "/tmp/kv.db" {
		t.Errorf("expected storage.path from XESH_CONFIG, got %q", got)
	}
}
