// Package config resolves tandem's configuration once at startup.
//
// Precedence, lowest first: built-in defaults, $TANDEM_HOME/config.yaml (or
// config.yml / config.toml), a .env file, then TANDEM_* environment
// variables. The resolved Config is validated and passed by value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tandem/pkg/protocol"
)

// Config holds all application configuration.
type Config struct {
	// Home is the state directory (~/.tandem or TANDEM_HOME). Not read from
	// the config file, which lives inside it.
	Home string `yaml:"-" toml:"-"`

	DBPath       string   `yaml:"db_path" toml:"db_path"`
	BaseBranch   string   `yaml:"base_branch" toml:"base_branch"`
	WorktreesDir string   `yaml:"worktrees_dir" toml:"worktrees_dir"`
	LockTTL      Duration `yaml:"lock_ttl" toml:"lock_ttl"`
	Concurrency  int      `yaml:"concurrency" toml:"concurrency"`

	Agent  AgentConfig  `yaml:"agent" toml:"agent"`
	Log    LogConfig    `yaml:"log" toml:"log"`
	Serve  ServeConfig  `yaml:"serve" toml:"serve"`
	Notify NotifyConfig `yaml:"notify" toml:"notify"`
}

// AgentConfig selects the agent binary and default model.
type AgentConfig struct {
	Command string `yaml:"command" toml:"command"`
	Model   string `yaml:"model" toml:"model"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// ServeConfig controls `tandem serve`.
type ServeConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// NotifyConfig controls notification sinks.
type NotifyConfig struct {
	Desktop bool `yaml:"desktop" toml:"desktop"`
}

// Duration is a time.Duration read from human-readable strings like "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML and TOML.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns the built-in configuration rooted at home.
func Defaults(home string) Config {
	return Config{
		Home:         home,
		DBPath:       filepath.Join(home, "state.db"),
		BaseBranch:   protocol.DefaultBaseBranch,
		WorktreesDir: protocol.WorktreesDir,
		LockTTL:      Duration{30 * time.Minute},
		Concurrency:  4,
		Agent:        AgentConfig{Command: "claude"},
		Log:          LogConfig{Level: "info", Format: "text"},
		Serve:        ServeConfig{Addr: "127.0.0.1:7420"},
		Notify:       NotifyConfig{Desktop: false},
	}
}

// Load resolves the configuration. envFiles are loaded with godotenv
// (existing environment variables win); with none given, ./.env is tried.
// Missing env files are ignored.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	home, err := resolveHome()
	if err != nil {
		return Config{}, err
	}
	cfg := Defaults(home)

	if err := cfg.loadFile(getEnv("TANDEM_CONFIG", "")); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveHome returns TANDEM_HOME or ~/.tandem.
func resolveHome() (string, error) {
	if v := os.Getenv("TANDEM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// loadFile overlays the config file. An explicit path must exist; otherwise
// the first of config.yaml, config.yml, config.toml in Home is used.
func (c *Config) loadFile(explicit string) error {
	candidates := []string{explicit}
	if explicit == "" {
		candidates = []string{
			filepath.Join(c.Home, "config.yaml"),
			filepath.Join(c.Home, "config.yml"),
			filepath.Join(c.Home, "config.toml"),
		}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path) //nolint:gosec // user-controlled config path
		if errors.Is(err, os.ErrNotExist) && explicit == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if strings.HasSuffix(path, ".toml") {
			err = toml.Unmarshal(data, c)
		} else {
			err = yaml.Unmarshal(data, c)
		}
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// applyEnv overlays TANDEM_* variables.
func (c *Config) applyEnv() {
	c.DBPath = getEnv("TANDEM_DB_PATH", c.DBPath)
	c.BaseBranch = getEnv("TANDEM_BASE_BRANCH", c.BaseBranch)
	c.WorktreesDir = getEnv("TANDEM_WORKTREES_DIR", c.WorktreesDir)
	c.Concurrency = getEnvInt("TANDEM_CONCURRENCY", c.Concurrency)
	c.LockTTL.Duration = getEnvDuration("TANDEM_LOCK_TTL", c.LockTTL.Duration)
	c.Agent.Command = getEnv("TANDEM_AGENT_COMMAND", c.Agent.Command)
	c.Agent.Model = getEnv("TANDEM_AGENT_MODEL", c.Agent.Model)
	c.Log.Level = getEnv("TANDEM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TANDEM_LOG_FORMAT", c.Log.Format)
	c.Serve.Addr = getEnv("TANDEM_ADDR", c.Serve.Addr)
	c.Notify.Desktop = getEnvBool("TANDEM_NOTIFY_DESKTOP", c.Notify.Desktop)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path cannot be empty")
	}
	if c.BaseBranch == "" {
		return errors.New("base_branch cannot be empty")
	}
	if c.WorktreesDir == "" {
		return errors.New("worktrees_dir cannot be empty")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.LockTTL.Duration <= 0 {
		return errors.New("lock_ttl must be > 0")
	}
	if c.Agent.Command == "" {
		return errors.New("agent.command cannot be empty")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// WorktreeRoot returns the directory holding session worktrees for
// repoRoot. A relative WorktreesDir is taken relative to the repository.
func (c Config) WorktreeRoot(repoRoot string) string {
	if filepath.IsAbs(c.WorktreesDir) {
		return c.WorktreesDir
	}
	return filepath.Join(repoRoot, c.WorktreesDir)
}

// YAML renders the resolved configuration.
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
