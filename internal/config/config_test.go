package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"general": {"logLevel": "debug"},
		"channels": {"telegram": {"enabled": true, "defaultDomain": "finance"}},
		"control": {"port": 9000}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.General.LogLevel)
	}
	if !cfg.Channels["telegram"].Enabled || cfg.Channels["telegram"].DefaultDomain != "finance" {
		t.Errorf("telegram block = %+v", cfg.Channels["telegram"])
	}
	if cfg.Control.Port != 9000 {
		t.Errorf("control port = %d", cfg.Control.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.Ledger.RetentionDays != 30 {
		t.Errorf("ledger retention = %d, want default 30", cfg.Ledger.RetentionDays)
	}
}

func TestLoadRejectsUnknownDomain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"channels": {"telegram": {"enabled": true, "defaultDomain": "sports"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown domain") {
		t.Fatalf("expected unknown-domain validation error, got %v", err)
	}
}

func TestLoadRejectsUnknownChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"channels": {"irc": {"enabled": true}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown channel") {
		t.Fatalf("expected unknown-channel validation error, got %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("OMNIBRIDGE_TEST_VAR", "hello")

	cases := []struct {
		in   string
		want string
	}{
		{"${OMNIBRIDGE_TEST_VAR}", "hello"},
		{"${OMNIBRIDGE_TEST_UNSET:-fallback}", "fallback"},
		{"${OMNIBRIDGE_TEST_VAR:-fallback}", "hello"},
		{"${OMNIBRIDGE_TEST_UNSET}", "${OMNIBRIDGE_TEST_UNSET}"},
		{"plain text", "plain text"},
	}
	for _, c := range cases {
		if got := ExpandEnvVars(c.in); got != c.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDefaultsPathsExpanded(t *testing.T) {
	// Defaults() is used directly when no config file exists, so its paths
	// must already be real paths, not literal ~/ shorthand that would create
	// a "./~" directory.
	cfg := Defaults()
	for name, p := range map[string]string{
		"workspace":      cfg.General.Workspace,
		"credentialsDir": cfg.General.CredentialsDir,
		"ledger.dbPath":  cfg.Ledger.DBPath,
	} {
		if strings.HasPrefix(p, "~") {
			t.Errorf("%s = %q, tilde not expanded", name, p)
		}
		if !filepath.IsAbs(p) {
			t.Errorf("%s = %q, want absolute path", name, p)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Defaults()
	cfg.Control.Port = 9123
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Control.Port != 9123 {
		t.Errorf("port = %d, want 9123", loaded.Control.Port)
	}
}

func TestValidatePortRange(t *testing.T) {
	cfg := Defaults()
	cfg.Control.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected port validation error")
	}
}
