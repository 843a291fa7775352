// Package config loads corral's deployment configuration.
//
// Settings come from ~/.corral/config.yaml (or $CORRAL_DATA_DIR/config.yaml)
// layered over built-in defaults, with CORRAL_* environment variables
// applied last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine names accepted by ContainerConfig.Engine.
const (
	EngineDocker    = "docker"
	EnginePodman    = "podman"
	EngineDockerAPI = "docker-api"
)

// Config holds every corral setting.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	ProjectRoot      string `yaml:"project_root"`
	PrivilegedFolder string `yaml:"privileged_folder"`
	Timezone         string `yaml:"timezone"`

	Container   ContainerConfig   `yaml:"container"`
	Router      RouterConfig      `yaml:"router"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Mounts      MountsConfig      `yaml:"mounts"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ContainerConfig controls sandbox lifecycle.
type ContainerConfig struct {
	Engine         string        `yaml:"engine"`
	Image          string        `yaml:"image"`
	BuildContext   string        `yaml:"build_context"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HeartbeatStale time.Duration `yaml:"heartbeat_stale"`
	HeartbeatPoll  time.Duration `yaml:"heartbeat_poll"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	InterruptGrace time.Duration `yaml:"interrupt_grace"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	OneShot        bool          `yaml:"one_shot"`
}

// RouterConfig controls the mailbox router.
type RouterConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	HandoffURL     string        `yaml:"handoff_url"`
}

// CredentialsConfig controls credential resolution and refresh.
type CredentialsConfig struct {
	EnvFile           string        `yaml:"env_file"`
	CredentialsFile   string        `yaml:"credentials_file"`
	KeychainService   string        `yaml:"keychain_service"`
	TokenURL          string        `yaml:"token_url"`
	ClientID          string        `yaml:"client_id"`
	RefreshThreshold  time.Duration `yaml:"refresh_threshold"`
	RefreshCooldown   time.Duration `yaml:"refresh_cooldown"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	SupplementaryKeys []string      `yaml:"supplementary_keys"`
}

// MountsConfig controls extra host directories exposed to sandboxes.
type MountsConfig struct {
	AllowedRoots    []string            `yaml:"allowed_roots"`
	BlockedPatterns []string            `yaml:"blocked_patterns"`
	Additional      map[string][]string `yaml:"additional"`
}

// DebugConfig controls the debug log directory.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:          DefaultDir(),
		PrivilegedFolder: "main",
		Timezone:         "Local",
		Container: ContainerConfig{
			Engine:         EngineDocker,
			Image:          "corral-agent:latest",
			RequestTimeout: 30 * time.Minute,
			IdleTimeout:    30 * time.Minute,
			HeartbeatStale: 60 * time.Second,
			HeartbeatPoll:  500 * time.Millisecond,
			StartupTimeout: 2 * time.Minute,
			SweepInterval:  time.Minute,
			InterruptGrace: 10 * time.Second,
			MaxOutputBytes: 10 << 20,
		},
		Router: RouterConfig{
			PollInterval:   time.Second,
			StatusInterval: 5 * time.Second,
		},
		Credentials: CredentialsConfig{
			KeychainService:   "Claude Code-credentials",
			TokenURL:          "https://console.anthropic.com/v1/oauth/token",
			ClientID:          "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			RefreshThreshold:  5 * time.Minute,
			RefreshCooldown:   time.Minute,
			RefreshInterval:   5 * time.Minute,
			SupplementaryKeys: []string{"OPENAI_API_KEY", "ELEVENLABS_API_KEY", "BRAVE_API_KEY"},
		},
		Mounts: MountsConfig{
			BlockedPatterns: []string{".ssh", ".gnupg", ".aws", ".kube", ".docker", "credentials", ".env", "id_rsa", "id_ed25519", "private_key"},
		},
		Debug: DebugConfig{RetentionDays: 14},
	}
}

// Load reads the config file at path (missing is fine) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGlobal loads the config file in the default data directory.
func LoadGlobal() (*Config, error) {
	return Load(filepath.Join(DefaultDir(), "config.yaml"))
}

// DefaultDir returns $CORRAL_DATA_DIR or ~/.corral.
func DefaultDir() string {
	if dir := os.Getenv("CORRAL_DATA_DIR"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".corral")
	}
	return filepath.Join(homeDir, ".corral")
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CORRAL_DATA_DIR", &c.DataDir)
	str("CORRAL_PROJECT_ROOT", &c.ProjectRoot)
	str("CORRAL_PRIVILEGED_FOLDER", &c.PrivilegedFolder)
	str("CORRAL_TZ", &c.Timezone)
	str("CORRAL_ENGINE", &c.Container.Engine)
	str("CORRAL_IMAGE", &c.Container.Image)
	str("CORRAL_BUILD_CONTEXT", &c.Container.BuildContext)
	str("CORRAL_ENV_FILE", &c.Credentials.EnvFile)

	for key, dst := range map[string]*time.Duration{
		"CORRAL_REQUEST_TIMEOUT": &c.Container.RequestTimeout,
		"CORRAL_IDLE_TIMEOUT":    &c.Container.IdleTimeout,
		"CORRAL_HEARTBEAT_STALE": &c.Container.HeartbeatStale,
		"CORRAL_STARTUP_TIMEOUT": &c.Container.StartupTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v := getenv("CORRAL_MAX_OUTPUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CORRAL_MAX_OUTPUT: %w", err)
		}
		c.Container.MaxOutputBytes = n
	}
	if v := getenv("CORRAL_ONESHOT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CORRAL_ONESHOT: %w", err)
		}
		c.Container.OneShot = b
	}
	return nil
}

// parseDuration accepts Go durations ("90s") or bare milliseconds ("90000").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks values that would make the pool misbehave.
func (c *Config) Validate() error {
	switch c.Container.Engine {
	case EngineDocker, EnginePodman, EngineDockerAPI:
	default:
		return fmt.Errorf("unknown container engine %q (want %s, %s or %s)",
			c.Container.Engine, EngineDocker, EnginePodman, EngineDockerAPI)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container image must not be empty")
	}
	if c.PrivilegedFolder == "" {
		return fmt.Errorf("privileged_folder must not be empty")
	}
	if c.Container.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive, got %d", c.Container.MaxOutputBytes)
	}
	for name, d := range map[string]time.Duration{
		"request_timeout": c.Container.RequestTimeout,
		"idle_timeout":    c.Container.IdleTimeout,
		"heartbeat_stale": c.Container.HeartbeatStale,
		"startup_timeout": c.Container.StartupTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured scheduling timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IPCDir is the root of every group's mailbox tree.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDir, "ipc") }

// GroupsDir holds each group's working directory.
func (c *Config) GroupsDir() string { return filepath.Join(c.DataDir, "groups") }

// GlobalDir is shared read-only with non-privileged groups.
func (c *Config) GlobalDir() string { return filepath.Join(c.GroupsDir(), "global") }

// SessionsDir holds per-group agent session state.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// EnvDir holds per-group credential env files.
func (c *Config) EnvDir() string { return filepath.Join(c.DataDir, "env") }

// DebugDir holds JSON log files.
func (c *Config) DebugDir() string { return filepath.Join(c.DataDir, "debug") }

// ControlDir receives out-of-process control requests for the daemon.
func (c *Config) ControlDir() string { return filepath.Join(c.DataDir, "control") }

// DatabasePath is the SQLite store for groups and tasks.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "corral.db") }
