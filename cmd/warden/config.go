package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration lets config fields be written as "5s" or "2m"
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration {
	return time.Duration(d)
}

// hostConfig is the YAML configuration for warden serve
type hostConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Ports struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	} `yaml:"ports"`

	Gateway struct {
		LazyStart       *bool    `yaml:"lazy_start"`
		UpstreamTimeout duration `yaml:"upstream_timeout"`
	} `yaml:"gateway"`

	Supervisor struct {
		GlobalInstances bool     `yaml:"global_instances"`
		StopTimeout     duration `yaml:"stop_timeout"`
		MaxRestarts     int      `yaml:"max_restarts"`
	} `yaml:"supervisor"`

	Sessions struct {
		SweepInterval duration `yaml:"sweep_interval"`
		ExpireAfter   duration `yaml:"expire_after"`
	} `yaml:"sessions"`
}

func defaultConfig() hostConfig {
	var cfg hostConfig
	cfg.Listen = "127.0.0.1:8400"
	cfg.DataDir = "./warden-data"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig reads the optional config file over the defaults
func loadConfig(path string) (hostConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c hostConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if (c.Ports.Min == 0) != (c.Ports.Max == 0) {
		return fmt.Errorf("ports.min and ports.max must be set together")
	}
	if c.Ports.Min != 0 && c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("ports.min %d exceeds ports.max %d", c.Ports.Min, c.Ports.Max)
	}
	return nil
}

// lazyStart resolves the gateway policy knob; lazy is the default
func (c hostConfig) lazyStart() bool {
	if c.Gateway.LazyStart == nil {
		return true
	}
	return *c.Gateway.LazyStart
}
