package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the etrt configuration file (~/.config/etrt/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Software devices
	Devices         *int64         `yaml:"devices"`
	MemoryMB        *int64         `yaml:"memory_mb"`
	DmaElementSize  *int64         `yaml:"dma_element_size"`
	DmaElementCount *int64         `yaml:"dma_element_count"`
	Workers         *int64         `yaml:"workers"`
	Latency         *time.Duration `yaml:"latency"`
	DisableP2P      *bool          `yaml:"disable_p2p"`

	// Runtime
	HostPoolMB *int64 `yaml:"host_pool_mb"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "etrt", "config.yaml")
}

// applyRuntimeConfig applies config file defaults to the device, runtime and
// logging flags that were not explicitly set.
func applyRuntimeConfig(c *cli.Command, cfg Config) {
	setInt := func(flag string, v *int64, dst *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setInt("devices", cfg.Devices, &deviceCount)
	setInt("memory-mb", cfg.MemoryMB, &memoryMB)
	setInt("dma-element-size", cfg.DmaElementSize, &dmaElementSize)
	setInt("dma-element-count", cfg.DmaElementCount, &dmaElementCount)
	setInt("workers", cfg.Workers, &workers)
	setInt("host-pool-mb", cfg.HostPoolMB, &hostPoolMB)
	if cfg.Latency != nil && !c.IsSet("latency") {
		latency = *cfg.Latency
	}
	if cfg.DisableP2P != nil && !c.IsSet("disable-p2p") {
		disableP2P = *cfg.DisableP2P
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that does not parse is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
