package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/foldersyncd/internal/conflict"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Mode selects the diff algorithm of a scope.
type Mode string

const (
	ModeOneWay Mode = "one-way"
	ModeTwoWay Mode = "two-way"
)

// ScopeKind tells profiles and devices apart.
type ScopeKind string

const (
	KindProfile ScopeKind = "profile"
	KindDevice  ScopeKind = "device"
)

// Config represents the complete foldersyncd configuration
type Config struct {
	Paths    PathsConfig     `yaml:"paths" toml:"paths"`
	Log      LogConfig       `yaml:"log" toml:"log"`
	Sync     SyncConfig      `yaml:"sync" toml:"sync"`
	Profiles []ProfileConfig `yaml:"profiles" toml:"profiles"`
	Devices  []DeviceConfig  `yaml:"devices" toml:"devices"`
	Serve    ServeConfig     `yaml:"serve" toml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir" toml:"state_dir"`
	// Library is the default source root of devices.
	Library string `yaml:"library" toml:"library"`
}

// LogConfig configures logging
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// SyncConfig configures behavior shared by every scope
type SyncConfig struct {
	DefaultStrategy  string        `yaml:"default_strategy" toml:"default_strategy"`
	ProgressInterval time.Duration `yaml:"progress_interval" toml:"progress_interval"`
	IncludeHidden    bool          `yaml:"include_hidden" toml:"include_hidden"`
	Exclude          []string      `yaml:"exclude" toml:"exclude"`
	HashCacheSize    int           `yaml:"hash_cache_size" toml:"hash_cache_size"`
}

// ProfileConfig pairs two arbitrary directory trees.
type ProfileConfig struct {
	ID              string   `yaml:"id" toml:"id"`
	Name            string   `yaml:"name" toml:"name"`
	Source          string   `yaml:"source" toml:"source"`
	Target          string   `yaml:"target" toml:"target"`
	Mode            Mode     `yaml:"mode" toml:"mode"`
	Exclude         []string `yaml:"exclude" toml:"exclude"`
	PreserveOrphans bool     `yaml:"preserve_orphans" toml:"preserve_orphans"`
	Watch           bool     `yaml:"watch" toml:"watch"`
}

// DeviceConfig pairs the library with a removable device.
type DeviceConfig struct {
	ID         string `yaml:"id" toml:"id"`
	Name       string `yaml:"name" toml:"name"`
	MountPoint string `yaml:"mount_point" toml:"mount_point"`
	// Path is the directory on the device that mirrors the library,
	// relative to the mount point.
	Path            string   `yaml:"path" toml:"path"`
	Library         string   `yaml:"library" toml:"library"`
	Mode            Mode     `yaml:"mode" toml:"mode"`
	Exclude         []string `yaml:"exclude" toml:"exclude"`
	PreserveOrphans bool     `yaml:"preserve_orphans" toml:"preserve_orphans"`
	Watch           bool     `yaml:"watch" toml:"watch"`
}

// ServeConfig configures the control server
type ServeConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	ListenAddr string        `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile string        `yaml:"secret_file" toml:"secret_file"`
	Debounce   time.Duration `yaml:"debounce" toml:"debounce"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.Library = os.ExpandEnv(c.Paths.Library)
	c.Log.File = os.ExpandEnv(c.Log.File)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for i := range c.Profiles {
		c.Profiles[i].Source = os.ExpandEnv(c.Profiles[i].Source)
		c.Profiles[i].Target = os.ExpandEnv(c.Profiles[i].Target)
	}
	for i := range c.Devices {
		c.Devices[i].MountPoint = os.ExpandEnv(c.Devices[i].MountPoint)
		c.Devices[i].Library = os.ExpandEnv(c.Devices[i].Library)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Sync.DefaultStrategy == "" {
		c.Sync.DefaultStrategy = string(conflict.Skip)
	}
	if c.Sync.ProgressInterval == 0 {
		c.Sync.ProgressInterval = 100 * time.Millisecond
	}
	if c.Sync.HashCacheSize == 0 {
		c.Sync.HashCacheSize = 4096
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}
	for i := range c.Profiles {
		if c.Profiles[i].Mode == "" {
			c.Profiles[i].Mode = ModeTwoWay
		}
		if c.Profiles[i].Name == "" {
			c.Profiles[i].Name = c.Profiles[i].ID
		}
	}
	for i := range c.Devices {
		if c.Devices[i].Mode == "" {
			c.Devices[i].Mode = ModeOneWay
		}
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = c.Devices[i].ID
		}
		if c.Devices[i].Library == "" {
			c.Devices[i].Library = c.Paths.Library
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return errors.Newf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	if _, err := conflict.ParseStrategy(c.Sync.DefaultStrategy); err != nil {
		return errors.Wrap(err, "sync.default_strategy")
	}
	if _, err := snapshot.NewMatcher(c.Sync.Exclude); err != nil {
		return errors.Wrap(err, "sync.exclude")
	}

	ids := make(map[string]bool)
	claim := func(section, id string) error {
		if id == "" {
			return errors.Newf("%s: id is required", section)
		}
		if strings.ContainsAny(id, "/\\ ") {
			return errors.Newf("%s %s: id must not contain slashes or spaces", section, id)
		}
		if ids[id] {
			return errors.Newf("%s %s: duplicate id", section, id)
		}
		ids[id] = true
		return nil
	}

	for _, p := range c.Profiles {
		if err := claim("profile", p.ID); err != nil {
			return err
		}
		if err := validateRoots("profile "+p.ID, p.Source, p.Target); err != nil {
			return err
		}
		if err := validateMode("profile "+p.ID, p.Mode); err != nil {
			return err
		}
		if _, err := snapshot.NewMatcher(p.Exclude); err != nil {
			return errors.Wrapf(err, "profile %s: exclude", p.ID)
		}
	}

	for _, d := range c.Devices {
		if err := claim("device", d.ID); err != nil {
			return err
		}
		if d.Library == "" {
			return errors.Newf("device %s: library is required (set it here or in paths.library)", d.ID)
		}
		if filepath.IsAbs(d.Path) || strings.HasPrefix(filepath.Clean(d.Path), "..") {
			return errors.Newf("device %s: path must be relative to the mount point: %s", d.ID, d.Path)
		}
		if err := validateRoots("device "+d.ID, d.Library, d.Target()); err != nil {
			return err
		}
		if err := validateMode("device "+d.ID, d.Mode); err != nil {
			return err
		}
		if _, err := snapshot.NewMatcher(d.Exclude); err != nil {
			return errors.Wrapf(err, "device %s: exclude", d.ID)
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return errors.New("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return errors.New("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

func validateRoots(section, source, target string) error {
	if source == "" || target == "" {
		return errors.Newf("%s: source and target are required", section)
	}
	if !filepath.IsAbs(source) || !filepath.IsAbs(target) {
		return errors.Newf("%s: source and target must be absolute paths", section)
	}
	s, t := filepath.Clean(source), filepath.Clean(target)
	if s == t || nested(s, t) || nested(t, s) {
		return errors.Newf("%s: source and target must not overlap", section)
	}
	return nil
}

func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func validateMode(section string, m Mode) error {
	switch m {
	case ModeOneWay, ModeTwoWay:
		return nil
	default:
		return errors.Newf("%s: invalid mode %s (must be one-way or two-way)", section, m)
	}
}

// DBPath returns the path of the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.Paths.StateDir, "foldersyncd.db")
}
