package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the optional client config file. Flags override it.
type Config struct {
	Server    string `yaml:"server"`
	Username  string `yaml:"username"`
	Transport string `yaml:"transport"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	Plain     bool   `yaml:"plain"`
	// Timezone names the zone timestamps are shown in, e.g. "Asia/Tokyo".
	Timezone string `yaml:"timezone"`
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "boardchat", "config.yaml")
}

// LoadConfig reads path. A missing file yields an empty config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
