/*
Copyright 2025 Overlaymgr Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		wantErr    bool
		validate   func(*testing.T, *Config)
	}{
		{
			name: "valid config with all fields",
			configYAML: `
logLevel: "debug"
metricsBindAddress: ":9090"
persistence:
  path: "/tmp/overlays.xml"
  queueDepth: 4
idmap:
  toolPath: "/usr/bin/idmap2"
  cacheDir: "/tmp/idmap-cache"
`,
			wantErr: false,
			validate: func(t *testing.T, c *Config) {
				if c.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want %q", c.LogLevel, "debug")
				}
				if c.Persistence.Path != "/tmp/overlays.xml" {
					t.Errorf("Persistence.Path = %q, want %q", c.Persistence.Path, "/tmp/overlays.xml")
				}
			},
		},
		{
			name:       "minimal config uses defaults",
			configYAML: `logLevel: "info"`,
			wantErr:    false,
			validate: func(t *testing.T, c *Config) {
				if c.Persistence.Path != DefaultPersistencePath {
					t.Errorf("Persistence.Path = %q, want default %q", c.Persistence.Path, DefaultPersistencePath)
				}
				if c.Idmap.ToolPath != DefaultIdmapToolPath {
					t.Errorf("Idmap.ToolPath = %q, want default %q", c.Idmap.ToolPath, DefaultIdmapToolPath)
				}
			},
		},
		{
			name:       "invalid log level",
			configYAML: `logLevel: "trace"`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0o644); err != nil {
				t.Fatalf("failed to write temp config: %v", err)
			}

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		LogLevel:    "info",
		Persistence: PersistenceConfig{Path: "/data/overlays.xml"},
		Idmap:       IdmapConfig{ToolPath: "/system/bin/idmap2", CacheDir: "/data/resource-cache"},
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"missing persistence path", func(c *Config) { c.Persistence.Path = "" }, true},
		{"negative queue depth", func(c *Config) { c.Persistence.QueueDepth = -1 }, true},
		{"missing idmap tool path", func(c *Config) { c.Idmap.ToolPath = "" }, true},
		{"missing idmap cache dir", func(c *Config) { c.Idmap.CacheDir = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file, got nil")
	}
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configYAML := `logLevel: "info"`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	os.Setenv("OVERLAYMGR_LOG_LEVEL", "debug")
	defer os.Unsetenv("OVERLAYMGR_LOG_LEVEL")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q (env var override)", cfg.LogLevel, "debug")
	}
}
