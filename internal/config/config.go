// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Weather   WeatherConfig   `yaml:"weather"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
	// MaxIterations bounds the tool-call loop per request (default 8).
	MaxIterations int `yaml:"max_iterations"`
}

// AnthropicConfig defines Anthropic API settings. When APIKey is empty
// the Anthropic provider is not registered.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// MQTTConfig defines the notification broker connection. When Enabled
// is false the sendNotification tool is not advertised.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// WeatherConfig controls the weather tool. Open-Meteo needs no key, so
// the only knob is the off switch.
type WeatherConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// DBFile overrides the scheduler database path. Defaults to
	// scheduler.db under DataDir.
	DBFile string `yaml:"db_file"`
}

// MemoryConfig controls conversation storage.
type MemoryConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend string `yaml:"backend"`
	// MaxMessages bounds in-memory conversations (default 200).
	MaxMessages int `yaml:"max_messages"`
	// DBFile overrides the conversation database path. Defaults to
	// conversations.db under DataDir.
	DBFile string `yaml:"db_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:       "qwen3:4b",
			OllamaURL:     "http://localhost:11434",
			MaxIterations: 8,
		},
		Weather:   WeatherConfig{Enabled: true},
		Scheduler: SchedulerConfig{Enabled: true},
		Memory:    MemoryConfig{Backend: "sqlite"},
		DataDir:   "data",
	}
}

// SchedulerDBPath returns the effective scheduler database path.
func (c *Config) SchedulerDBPath() string {
	if c.Scheduler.DBFile != "" {
		return c.Scheduler.DBFile
	}
	return filepath.Join(c.DataDir, "scheduler.db")
}

// MemoryDBPath returns the effective conversation database path.
func (c *Config) MemoryDBPath() string {
	if c.Memory.DBFile != "" {
		return c.Memory.DBFile
	}
	return filepath.Join(c.DataDir, "conversations.db")
}
