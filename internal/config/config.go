package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/lspclient/internal/config/loader"
)

// Config is the configuration of an lspclient process.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Servers []ServerConfig `yaml:"servers"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	// File enables a rotated log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig configures the prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Transport kinds of a server.
const (
	TransportStdio     = "stdio"
	TransportSocket    = "socket"
	TransportWebSocket = "websocket"
)

// ServerConfig describes one language server and how to reach it.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// stdio
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// socket: network is tcp or unix
	Network string `yaml:"network"`
	Address string `yaml:"address"`

	// websocket
	URL string `yaml:"url"`

	Languages []string `yaml:"languages"`
	// Root is the workspace directory; default the working directory.
	Root string `yaml:"root"`

	InitializationOptions map[string]any `yaml:"initialization_options"`
	// Settings answer workspace/configuration and are pushed with
	// workspace/didChangeConfiguration.
	Settings map[string]any `yaml:"settings"`
	Trace    string         `yaml:"trace"`

	StopTimeout       time.Duration `yaml:"stop_timeout"`
	MaxRestarts       int           `yaml:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	RestartBackoffMax time.Duration `yaml:"restart_backoff_max"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// serverDefaults fills the unset fields of a server.
func serverDefaults(s *ServerConfig) {
	if s.Transport == "" {
		s.Transport = TransportStdio
	}
	if s.Transport == TransportSocket && s.Network == "" {
		s.Network = "tcp"
	}
	if s.Trace == "" {
		s.Trace = "off"
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = 2 * time.Second
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 4
	}
}

// Load reads the configuration file at path, applies environment
// overrides and validates the result. An empty path loads defaults and
// the environment only.
func Load(path string) (*Config, error) {
	return load(loader.DefaultFS(), path, loader.NewEnvLoader(loader.DefaultEnvPrefix))
}

func load(fs loader.FileSystem, path string, env loader.Loader) (*Config, error) {
	tree := make(map[string]any)

	if path != "" {
		data, err := loader.NewFileLoaderWithFS(fs, path).Load()
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
		tree = loader.DeepMerge(tree, data)
	}

	overrides, err := env.Load()
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	tree = loader.DeepMerge(tree, overrides)

	cfg, err := Decode(tree)
	if err != nil {
		return nil, err
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode converts a configuration tree into a Config on top of the
// defaults.
func Decode(tree map[string]any) (*Config, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encoding config tree: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	for i := range cfg.Servers {
		serverDefaults(&cfg.Servers[i])
	}
	return cfg, nil
}

// resolvePaths makes relative server roots and directories relative to
// the directory of the configuration file.
func (c *Config) resolvePaths(base string) {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Root != "" && !filepath.IsAbs(s.Root) {
			s.Root = filepath.Join(base, s.Root)
		}
		if s.Dir != "" && !filepath.IsAbs(s.Dir) {
			s.Dir = filepath.Join(base, s.Dir)
		}
	}
}

// Server returns the server named name. An empty name selects the only
// configured server.
func (c *Config) Server(name string) (*ServerConfig, error) {
	if len(c.Servers) == 0 {
		return nil, ErrNoServers
	}
	if name == "" {
		if len(c.Servers) > 1 {
			return nil, fmt.Errorf("%d servers configured, name one", len(c.Servers))
		}
		return &c.Servers[0], nil
	}
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
}

// Get returns the settings of a section of the server, nil when unknown.
// Sections are dot separated paths into Settings; keys that contain dots
// themselves are matched too. An empty section returns all settings.
func (s *ServerConfig) Get(section string) any {
	if section == "" {
		if s.Settings == nil {
			return nil
		}
		return s.Settings
	}
	v, _ := lookup(s.Settings, strings.Split(section, "."))
	return v
}

// lookup resolves parts in m, preferring the longest dotted key at each
// level.
func lookup(m map[string]any, parts []string) (any, bool) {
	for i := len(parts); i > 0; i-- {
		v, ok := m[strings.Join(parts[:i], ".")]
		if !ok {
			continue
		}
		if i == len(parts) {
			return v, true
		}
		if sub, ok := v.(map[string]any); ok {
			if r, ok := lookup(sub, parts[i:]); ok {
				return r, true
			}
		}
	}
	return nil, false
}
