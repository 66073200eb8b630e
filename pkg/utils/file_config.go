package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable pointing at the YAML config file.
const ConfigFileEnv = "AGRIMATER_CONFIG"

// FileConfig mirrors the optional YAML configuration file. Zero values mean
// "not set"; every consumer keeps its own default in that case.
type FileConfig struct {
	Network NetworkSection `yaml:"network"`
	LLM     LLMSection     `yaml:"llm"`
	Server  ServerSection  `yaml:"server"`
}

// NetworkSection holds the outbound request governor tunables.
type NetworkSection struct {
	MaxRetries    *int          `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	RequestBudget int           `yaml:"request_budget"`
	BudgetWindow  time.Duration `yaml:"budget_window"`
	Timeout       time.Duration `yaml:"timeout"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	EnableDedupe  *bool         `yaml:"enable_dedupe"`
}

// LLMSection holds completion client settings.
type LLMSection struct {
	BaseURL        string        `yaml:"base_url"`
	DefaultModel   string        `yaml:"default_model"`
	FallbackModels []string      `yaml:"fallback_models"`
	Temperature    *float64      `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxRetries     *int          `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	SystemPrompt   string        `yaml:"system_prompt"`
	HistoryPairs   int           `yaml:"history_pairs"`
}

// ServerSection holds HTTP server settings.
type ServerSection struct {
	ListenAddr         string `yaml:"listen_addr"`
	DatabasePath       string `yaml:"database_path"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy"`
}

// LoadFileConfig reads the YAML config file. The path comes from
// AGRIMATER_CONFIG, falling back to <user config dir>/agrimater/config.yaml.
// A missing file is not an error and yields an empty FileConfig.
func LoadFileConfig() (*FileConfig, error) {
	path, err := configFilePath()
	if err != nil {
		return &FileConfig{}, nil
	}
	return LoadFileConfigFrom(path)
}

// LoadFileConfigFrom reads and parses the YAML file at path.
func LoadFileConfigFrom(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func configFilePath() (string, error) {
	if p := GetEnvWithDefault(ConfigFileEnv, ""); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agrimater", "config.yaml"), nil
}
