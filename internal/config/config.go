package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Launcher kinds.
const (
	LauncherProcess = "process"
	LauncherInProc  = "inproc"
	LauncherDocker  = "docker"
)

type GuestConfig struct {
	Launcher string   `yaml:"launcher"`
	Path     string   `yaml:"path"` // guest executable for the process launcher
	Args     []string `yaml:"args"`
	Scheme   string   `yaml:"scheme"`
	Protocol string   `yaml:"protocol"`

	ListenAddr    string `yaml:"listen_addr"`
	AdvertiseHost string `yaml:"advertise_host"`

	StartupTimeoutMs    int    `yaml:"startup_timeout_ms"`
	StopGraceMs         int    `yaml:"stop_grace_ms"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	MissedBeats         int    `yaml:"missed_beats"`
	MailboxLifetimeMs   int    `yaml:"mailbox_lifetime_ms"`
	MaxMessageSize      string `yaml:"max_message_size"` // e.g. "64MiB"
	DebugTimeouts       bool   `yaml:"debug_timeouts"`
	DedicatedThread     bool   `yaml:"dedicated_thread"`
}

type DockerConfig struct {
	Image       string  `yaml:"image"`
	GuestPath   string  `yaml:"guest_path"`
	CPUs        float64 `yaml:"cpus"`
	Memory      string  `yaml:"memory"`
	PidsLimit   int64   `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
}

// PackageConfig describes a plugin package the host may load.
type PackageConfig struct {
	PluginDir  string            `yaml:"plugin_dir"`
	Plugins    []string          `yaml:"plugins"`
	Dimensions map[string]string `yaml:"dimensions"`
}

type PoolConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Packages map[string]int `yaml:"packages"` // package -> idle containers
}

type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// RetentionHours is how long destroyed records stay in the store.
	RetentionHours int `yaml:"retention_hours"`
}

type Config struct {
	Listen    string `yaml:"listen"`
	APIKey    string `yaml:"api_key"`
	DBPath    string `yaml:"db_path"`
	BaseDir   string `yaml:"base_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Guest    GuestConfig              `yaml:"guest"`
	Docker   DockerConfig             `yaml:"docker"`
	Packages map[string]PackageConfig `yaml:"packages"`
	Pool     PoolConfig               `yaml:"pool"`
	Reaper   ReaperConfig             `yaml:"reaper"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:    "127.0.0.1:8420",
		DBPath:    "./kapsel.db",
		BaseDir:   "./containers",
		LogLevel:  "info",
		LogFormat: "text",
		Guest: GuestConfig{
			Launcher:            LauncherProcess,
			Path:                "kapsel-guest",
			Scheme:              "pipe",
			Protocol:            "json",
			StartupTimeoutMs:    10000,
			StopGraceMs:         5000,
			HeartbeatIntervalMs: 2000,
			MissedBeats:         3,
			MailboxLifetimeMs:   60000,
			MaxMessageSize:      "64MiB",
		},
		Docker: DockerConfig{
			Image:       "kapsel-guest:latest",
			GuestPath:   "/usr/local/bin/kapsel-guest",
			CPUs:        1.0,
			Memory:      "512MiB",
			PidsLimit:   256,
			NetworkMode: "bridge",
		},
		Packages: make(map[string]PackageConfig),
		Pool: PoolConfig{
			Packages: make(map[string]int),
		},
		Reaper: ReaperConfig{
			IntervalSeconds: 30,
			RetentionHours:  24,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Guest.Launcher {
	case LauncherProcess, LauncherInProc, LauncherDocker:
	default:
		return fmt.Errorf("%w: guest.launcher %q", ErrInvalid, c.Guest.Launcher)
	}
	if c.Guest.Launcher == LauncherInProc && c.Guest.Scheme != "mem" {
		return fmt.Errorf("%w: the inproc launcher needs guest.scheme mem", ErrInvalid)
	}
	if c.Guest.Launcher == LauncherDocker && c.Guest.Scheme != "tcp" {
		return fmt.Errorf("%w: the docker launcher needs guest.scheme tcp", ErrInvalid)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	for pkg, n := range c.Pool.Packages {
		if n < 0 {
			return fmt.Errorf("%w: pool size for %s is negative", ErrInvalid, pkg)
		}
	}
	return nil
}

// MaxMessageBytes parses Guest.MaxMessageSize; empty means no limit.
func (c *Config) MaxMessageBytes() (int, error) {
	if c.Guest.MaxMessageSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Guest.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: max_message_size: %v", ErrInvalid, err)
	}
	return int(n), nil
}

func (g GuestConfig) StartupTimeout() time.Duration { return ms(g.StartupTimeoutMs) }
func (g GuestConfig) StopGrace() time.Duration      { return ms(g.StopGraceMs) }
func (g GuestConfig) HeartbeatInterval() time.Duration {
	return ms(g.HeartbeatIntervalMs)
}
func (g GuestConfig) MailboxLifetime() time.Duration { return ms(g.MailboxLifetimeMs) }

func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r ReaperConfig) Retention() time.Duration {
	return time.Duration(r.RetentionHours) * time.Hour
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAPSEL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KAPSEL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("KAPSEL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KAPSEL_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("KAPSEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KAPSEL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("KAPSEL_GUEST_LAUNCHER"); v != "" {
		cfg.Guest.Launcher = v
	}
	if v := os.Getenv("KAPSEL_GUEST_PATH"); v != "" {
		cfg.Guest.Path = v
	}
	if v := os.Getenv("KAPSEL_GUEST_SCHEME"); v != "" {
		cfg.Guest.Scheme = strings.ToLower(v)
	}
	if v := os.Getenv("KAPSEL_GUEST_PROTOCOL"); v != "" {
		cfg.Guest.Protocol = strings.ToLower(v)
	}
	if v := os.Getenv("KAPSEL_ADVERTISE_HOST"); v != "" {
		cfg.Guest.AdvertiseHost = v
	}
	if v := os.Getenv("KAPSEL_STARTUP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guest.StartupTimeoutMs = n
		}
	}
	if v := os.Getenv("KAPSEL_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guest.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("KAPSEL_MISSED_BEATS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guest.MissedBeats = n
		}
	}
	if v := os.Getenv("KAPSEL_MAX_MESSAGE_SIZE"); v != "" {
		cfg.Guest.MaxMessageSize = v
	}
	if v := os.Getenv("KAPSEL_DEBUG_TIMEOUTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Guest.DebugTimeouts = b
		}
	}
	if v := os.Getenv("KAPSEL_DEDICATED_THREAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Guest.DedicatedThread = b
		}
	}
	if v := os.Getenv("KAPSEL_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("KAPSEL_DOCKER_MEMORY"); v != "" {
		cfg.Docker.Memory = v
	}
	if v := os.Getenv("KAPSEL_POOL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.Enabled = b
		}
	}
}
