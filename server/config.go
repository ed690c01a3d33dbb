package main

import (
	"encoding/json"
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
	StorePebble = "pebble"
)

type Config struct {
	Host            string   `json:"host"`
	Port            string   `json:"port"`
	TCPPort         string   `json:"tcp_port"`
	ServerName      string   `json:"server_name"`
	Store           string   `json:"store"`
	ChatLogFile     string   `json:"chat_log_file"`
	SQLitePath      string   `json:"sqlite_path"`
	DataPath        string   `json:"data_path"`
	HistoryLimit    int      `json:"history_limit"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	AssistantModel  string   `json:"assistant_model"`
	BannedUsernames []string `json:"banned_usernames"`
	mu              sync.RWMutex
	configFile      string
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "serverconfig.json"
	}
	return &Config{
		configFile: filename,
		// Defaults
		Host:            "0.0.0.0",
		Port:            "8765",
		TCPPort:         "12345",
		ServerName:      "boardchat",
		Store:           StoreJSON,
		ChatLogFile:     "chat_log.json",
		SQLitePath:      "chat_log.db",
		DataPath:        "chat_data",
		MaxMessageBytes: 8 << 20,
		AssistantModel:  "gemini-1.5-flash",
		BannedUsernames: []string{},
	}
}

// Load reads the config file, creating it with defaults when missing, and
// writes it back so new fields appear with their defaults.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.configFile); os.IsNotExist(err) {
		return c.saveInternal()
	}

	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse %s", c.configFile)
	}
	switch c.Store {
	case StoreJSON, StoreSQLite, StorePebble:
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.BannedUsernames == nil {
		c.BannedUsernames = []string{}
	}
	return c.saveInternal()
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrap(os.WriteFile(c.configFile, data, 0644), "write config")
}

// Addr is the listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Host + ":" + c.Port
}

// TCPAddr is the line protocol listen address, empty when disabled.
func (c *Config) TCPAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.TCPPort == "" {
		return ""
	}
	return c.Host + ":" + c.TCPPort
}

// ReadLimit is the largest inbound frame accepted.
func (c *Config) ReadLimit() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.MaxMessageBytes <= 0 {
		return 8 << 20
	}
	return c.MaxMessageBytes
}

func (c *Config) IsBanned(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.BannedUsernames, username)
}

func (c *Config) Ban(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.BannedUsernames, username) {
		return nil
	}
	c.BannedUsernames = append(c.BannedUsernames, username)
	return c.saveInternal()
}

func (c *Config) Unban(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.BannedUsernames = slices.DeleteFunc(c.BannedUsernames, func(b string) bool { return b == username })
	return c.saveInternal()
}
