package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("FOLDERSYNCD_TEST_HOME", "/home/user")

	path := writeConfig(t, "config.yaml", `
paths:
  state_dir: "${FOLDERSYNCD_TEST_HOME}/.local/state/foldersyncd"
  library: "/srv/music"

sync:
  default_strategy: keep-newest
  progress_interval: 250ms
  exclude: ["*.tmp"]

profiles:
  - id: photos
    source: /home/user/Pictures
    target: /mnt/backup/pictures
    exclude: ["**/.thumbnails/**"]

devices:
  - id: walkman
    mount_point: /media/walkman
    path: MUSIC

serve:
  enabled: true
  secret_file: /etc/foldersyncd/secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.StateDir != "/home/user/.local/state/foldersyncd" {
		t.Errorf("expected expanded state dir, got %s", cfg.Paths.StateDir)
	}
	if cfg.Sync.ProgressInterval != 250*time.Millisecond {
		t.Errorf("expected progress interval 250ms, got %s", cfg.Sync.ProgressInterval)
	}
	if cfg.Profiles[0].Mode != ModeTwoWay {
		t.Errorf("expected profile default mode two-way, got %s", cfg.Profiles[0].Mode)
	}
	if cfg.Devices[0].Mode != ModeOneWay {
		t.Errorf("expected device default mode one-way, got %s", cfg.Devices[0].Mode)
	}
	if cfg.Devices[0].Library != "/srv/music" {
		t.Errorf("expected device library from paths.library, got %s", cfg.Devices[0].Library)
	}
	if cfg.Serve.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("expected default listen addr, got %s", cfg.Serve.ListenAddr)
	}
	if cfg.DBPath() != "/home/user/.local/state/foldersyncd/foldersyncd.db" {
		t.Errorf("unexpected db path %s", cfg.DBPath())
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[paths]
state_dir = "/var/lib/foldersyncd"

[log]
format = "json"

[[profiles]]
id = "docs"
source = "/home/user/Documents"
target = "/mnt/nas/documents"
mode = "one-way"
preserve_orphans = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Log.Format)
	}
	if len(cfg.Profiles) != 1 || !cfg.Profiles[0].PreserveOrphans || cfg.Profiles[0].Mode != ModeOneWay {
		t.Errorf("unexpected profiles: %+v", cfg.Profiles)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "bad.yaml", "paths: [")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}

	path = writeConfig(t, "invalid.yaml", "paths:\n  state_dir: relative\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func validConfig() Config {
	cfg := Config{
		Paths: PathsConfig{StateDir: "/state", Library: "/library"},
		Profiles: []ProfileConfig{
			{ID: "p", Source: "/a", Target: "/b"},
		},
		Devices: []DeviceConfig{
			{ID: "d", MountPoint: "/media/d"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config"},
		{
			name:    "missing state dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "" },
			wantErr: "state_dir is required",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Sync.DefaultStrategy = "merge" },
			wantErr: "default_strategy",
		},
		{
			name:    "bad exclude glob",
			mutate:  func(c *Config) { c.Sync.Exclude = []string{"[a"} },
			wantErr: "sync.exclude",
		},
		{
			name:    "duplicate id across profiles and devices",
			mutate:  func(c *Config) { c.Devices[0].ID = "p" },
			wantErr: "duplicate id",
		},
		{
			name:    "id with slash",
			mutate:  func(c *Config) { c.Profiles[0].ID = "a/b" },
			wantErr: "must not contain",
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.Profiles[0].Target = "backup" },
			wantErr: "absolute",
		},
		{
			name:    "nested roots",
			mutate:  func(c *Config) { c.Profiles[0].Target = "/a/backup" },
			wantErr: "overlap",
		},
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Profiles[0].Mode = "sideways" },
			wantErr: "invalid mode",
		},
		{
			name:    "device without library",
			mutate:  func(c *Config) { c.Devices[0].Library = "" },
			wantErr: "library is required",
		},
		{
			name:    "device path escaping the mount",
			mutate:  func(c *Config) { c.Devices[0].Path = "../etc" },
			wantErr: "relative to the mount point",
		},
		{
			name:    "serve without secret",
			mutate:  func(c *Config) { c.Serve.Enabled = true },
			wantErr: "secret_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestScopes(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Exclude = []string{"*.tmp"}
	cfg.Devices[0].Path = "Music"
	cfg.Devices[0].Exclude = []string{"*.m3u"}

	scopes := cfg.Scopes()
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}

	d := scopes[0]
	if d.ID != "d" || d.Kind != KindDevice || !d.TargetIsMount {
		t.Errorf("unexpected device scope: %+v", d)
	}
	if d.Source != "/library" || d.Target != "/media/d/Music" {
		t.Errorf("unexpected device roots: %s -> %s", d.Source, d.Target)
	}
	if strings.Join(d.Exclude, ",") != "*.tmp,*.m3u" {
		t.Errorf("expected global then own excludes, got %v", d.Exclude)
	}

	p, ok := cfg.Scope("p")
	if !ok || p.Kind != KindProfile || p.TargetIsMount {
		t.Errorf("unexpected profile scope: %+v", p)
	}
	if _, ok := cfg.Scope("missing"); ok {
		t.Error("expected unknown scope lookup to fail")
	}
}
