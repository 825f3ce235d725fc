// Package config loads the deploykit YAML configuration and merges
// secrets from secrets.env so API tokens stay out of the config file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Providers struct {
		Default string `yaml:"default"`
		Vultr   struct {
			Token  string   `yaml:"token"`
			Region string   `yaml:"region"`
			Plan   string   `yaml:"plan"`
			OSID   string   `yaml:"os_id"`
			Tags   []string `yaml:"tags"`
		} `yaml:"vultr"`
		Static struct {
			Hosts []StaticHost `yaml:"hosts"`
		} `yaml:"static"`
	} `yaml:"providers"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Deploy struct {
		User                  string  `yaml:"user"`
		SSHPort               int     `yaml:"ssh_port"`
		ConnectTimeoutSeconds int     `yaml:"connect_timeout_seconds"`
		ReadyTimeoutSeconds   int     `yaml:"ready_timeout_seconds"`
		WaitPeriodSeconds     float64 `yaml:"wait_period_seconds"`
		MaxTaskTries          int     `yaml:"max_task_tries"`
	} `yaml:"deploy"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

// StaticHost is a machine the static provider attaches to instead of
// provisioning.
type StaticHost struct {
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
}

// Load reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/deploykit/config.yaml or
// ~/.config/deploykit/config.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("VULTR_TOKEN"); v != "" {
		secrets["VULTR_TOKEN"] = v
	}
	if t, ok := secrets["VULTR_TOKEN"]; ok && t != "" {
		cfg.Providers.Vultr.Token = t
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Deploy.User == "" {
		c.Deploy.User = "root"
	}
	if c.Deploy.SSHPort == 0 {
		c.Deploy.SSHPort = 22
	}
	if c.Deploy.ConnectTimeoutSeconds == 0 {
		c.Deploy.ConnectTimeoutSeconds = 600
	}
	if c.Deploy.ReadyTimeoutSeconds == 0 {
		c.Deploy.ReadyTimeoutSeconds = 600
	}
	if c.Deploy.WaitPeriodSeconds == 0 {
		c.Deploy.WaitPeriodSeconds = 5
	}
	if c.Deploy.MaxTaskTries == 0 {
		c.Deploy.MaxTaskTries = 3
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = filepath.Join(configDir(), "ssh")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(configDir(), "known_hosts")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(configDir(), "journal.db")
	}
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "deploykit")
}
