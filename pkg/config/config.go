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

// Package config provides configuration management for the overlay manager
// daemon.
//
// Configuration can be loaded from YAML files or environment variables.
// Uses Viper for robust configuration management with automatic env binding.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Configuration key constants for viper SetDefault and BindEnv calls.
const (
	KeyLogLevel               = "logLevel"
	KeyMetricsBindAddress     = "metricsBindAddress"
	KeyHealthProbeBindAddress = "healthProbeBindAddress"
	KeyPersistence            = "persistence.path"
	KeyPersistenceQueueDepth  = "persistence.queueDepth"
	KeyIdmapToolPath          = "idmap.toolPath"
	KeyIdmapCacheDir          = "idmap.cacheDir"
)

// Environment variable name constants.
const (
	EnvLogLevel               = "OVERLAYMGR_LOG_LEVEL"
	EnvMetricsBindAddress     = "OVERLAYMGR_METRICS_BIND_ADDRESS"
	EnvHealthProbeBindAddress = "OVERLAYMGR_HEALTH_PROBE_BIND_ADDRESS"
	EnvPersistencePath        = "OVERLAYMGR_PERSISTENCE_PATH"
	EnvPersistenceQueueDepth  = "OVERLAYMGR_PERSISTENCE_QUEUE_DEPTH"
	EnvIdmapToolPath          = "OVERLAYMGR_IDMAP_TOOL_PATH"
	EnvIdmapCacheDir          = "OVERLAYMGR_IDMAP_CACHE_DIR"
	EnvPrefix                 = "OVERLAYMGR"
)

// Default configuration values.
const (
	DefaultLogLevel               = "info"
	DefaultMetricsBindAddress     = ":8080"
	DefaultHealthProbeBindAddress = ":8081"
	DefaultPersistencePath        = "/data/system/overlays.xml"
	DefaultPersistenceQueueDepth  = 1
	DefaultIdmapToolPath          = "/system/bin/idmap2"
	DefaultIdmapCacheDir          = "/data/resource-cache"
)

// Config is the complete daemon configuration.
type Config struct {
	// LogLevel controls the verbosity of logs.
	// Valid values: debug, info, warn, error
	LogLevel string `yaml:"logLevel,omitempty"`

	// MetricsBindAddress is the address the Prometheus metrics endpoint
	// binds to.
	MetricsBindAddress string `yaml:"metricsBindAddress,omitempty"`

	// HealthProbeBindAddress is loaded and defaulted but not read by
	// cmd/overlaymgrd, which serves /healthz on MetricsBindAddress.
	HealthProbeBindAddress string `yaml:"healthProbeBindAddress,omitempty"`

	// Persistence configures the state codec and its worker.
	Persistence PersistenceConfig `yaml:"persistence,omitempty"`

	// Idmap configures the external id-map tool invocation.
	Idmap IdmapConfig `yaml:"idmap,omitempty"`
}

// PersistenceConfig configures the state codec.
type PersistenceConfig struct {
	// Path is the well-known location of the persisted overlay document.
	Path string `yaml:"path,omitempty"`

	// QueueDepth is loaded and validated (it must be non-negative), but the
	// persistence worker does not read it: the worker coalesces pending
	// requests into at most one queued write regardless of this value.
	QueueDepth int `yaml:"queueDepth,omitempty"`
}

// IdmapConfig configures the id-map lifecycle.
type IdmapConfig struct {
	// ToolPath is the path to the external id-map generator binary.
	ToolPath string `yaml:"toolPath,omitempty"`

	// CacheDir is the directory id-map files are written into.
	CacheDir string `yaml:"cacheDir,omitempty"`
}

// Load loads configuration from a YAML file and validates it.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (OVERLAYMGR_* prefix)
//  2. Configuration file values
//  3. Default values
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyMetricsBindAddress, DefaultMetricsBindAddress)
	v.SetDefault(KeyHealthProbeBindAddress, DefaultHealthProbeBindAddress)
	v.SetDefault(KeyPersistence, DefaultPersistencePath)
	v.SetDefault(KeyPersistenceQueueDepth, DefaultPersistenceQueueDepth)
	v.SetDefault(KeyIdmapToolPath, DefaultIdmapToolPath)
	v.SetDefault(KeyIdmapCacheDir, DefaultIdmapCacheDir)

	v.SetEnvPrefix(EnvPrefix)
	_ = v.BindEnv(KeyLogLevel, EnvLogLevel)
	_ = v.BindEnv(KeyMetricsBindAddress, EnvMetricsBindAddress)
	_ = v.BindEnv(KeyHealthProbeBindAddress, EnvHealthProbeBindAddress)
	_ = v.BindEnv(KeyPersistence, EnvPersistencePath)
	_ = v.BindEnv(KeyPersistenceQueueDepth, EnvPersistenceQueueDepth)
	_ = v.BindEnv(KeyIdmapToolPath, EnvIdmapToolPath)
	_ = v.BindEnv(KeyIdmapCacheDir, EnvIdmapCacheDir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is valid and returns an error if
// not.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required")
	}
	if c.Persistence.QueueDepth < 0 {
		return fmt.Errorf("persistence.queueDepth must be non-negative, got %d", c.Persistence.QueueDepth)
	}

	if c.Idmap.ToolPath == "" {
		return fmt.Errorf("idmap.toolPath is required")
	}
	if c.Idmap.CacheDir == "" {
		return fmt.Errorf("idmap.cacheDir is required")
	}

	return nil
}
