package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"omnibridge/internal/domain"
)

// Config is the root configuration for the gateway.
type Config struct {
	General  GeneralConfig            `json:"general"`
	Channels map[string]ChannelConfig `json:"channels"`
	Control  ControlConfig            `json:"control"`
	Router   RouterConfig             `json:"router"`
	Ledger   LedgerConfig             `json:"ledger"`
	Session  SessionConfig            `json:"session"`
}

type GeneralConfig struct {
	Workspace      string `json:"workspace"`
	LogLevel       string `json:"logLevel"`
	CredentialsDir string `json:"credentialsDir"`
}

// ChannelConfig is the per-channel block. Secrets live in the credential
// store, not here.
type ChannelConfig struct {
	Enabled       bool   `json:"enabled"`
	DefaultDomain string `json:"defaultDomain"`
}

type ControlConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RouterConfig struct {
	// RulesPath points at the optional YAML keyword-rule file. Missing file
	// means built-in rules.
	RulesPath string `json:"rulesPath,omitempty"`
}

type LedgerConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type SessionConfig struct {
	// PruneAfterMinutes bounds group-session lifetime. 0 disables pruning.
	PruneAfterMinutes int `json:"pruneAfterMinutes"`
}

// DefaultConfigDir returns the default config directory (~/.omnibridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnibridge"
	}
	return filepath.Join(home, ".omnibridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.CredentialsDir = ExpandPath(cfg.General.CredentialsDir)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Control.Port < 0 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 0 and 65535")
	}
	if cfg.Ledger.Enabled && cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, "ledger.retentionDays must be >= 1 when the ledger is enabled")
	}
	if cfg.Session.PruneAfterMinutes < 0 {
		errs = append(errs, "session.pruneAfterMinutes must be >= 0")
	}

	for name, cc := range cfg.Channels {
		if !knownChannels[name] {
			errs = append(errs, fmt.Sprintf("channels.%s: unknown channel", name))
		}
		if cc.DefaultDomain != "" && !domain.ValidDomain(cc.DefaultDomain) {
			errs = append(errs, fmt.Sprintf("channels.%s.defaultDomain: unknown domain %q", name, cc.DefaultDomain))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
