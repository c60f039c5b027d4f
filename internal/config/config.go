// Package config provides configuration management for Janitor.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Janitor server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, jobs, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite event journal.
	DatabasePath string

	// JobsDir holds scheduled job files (*.yaml).
	JobsDir string

	// GitHubToken is the personal access token for GitHub API operations.
	GitHubToken string

	// GitHubWebhookSecret enables POST /webhooks/github when set.
	GitHubWebhookSecret string

	// LLM provider API keys. Anthropic wins when several are set.
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string

	// Model names per role. Empty means the provider default.
	LLMModel  string
	CodeModel string

	// LLMRequestsPerSecond throttles model calls. 0 disables the limiter.
	LLMRequestsPerSecond float64

	// Telegram integration (optional -- long polling, no public URL needed).
	TelegramBotToken string
	// TelegramAdminID restricts commands to one Telegram user. 0 allows anyone.
	TelegramAdminID int64
	// AllowGroups accepts Telegram group chats as well as private ones.
	AllowGroups bool

	// Slack integration (optional -- Socket Mode).
	// SlackBotToken is the Bot User OAuth Token (xoxb-...).
	SlackBotToken string
	// SlackAppToken is the App-Level Token (xapp-...) required for Socket Mode.
	SlackAppToken string
	// SlackAdminID restricts commands to one Slack user id.
	SlackAdminID string

	// ProgressInterval is the spinner refresh period of progress messages.
	ProgressInterval time.Duration

	// AutoPair pairs chats on first contact.
	AutoPair bool

	// DefaultOwner is used by `USE REPO name` without an owner.
	DefaultOwner string
}

// Key describes a single configuration value.
type Key struct {
	Name     string
	Desc     string
	Required bool
	Secret   bool
	Prefix   string // expected prefix for validation (e.g. "xoxb-"), empty = no check
}

// Keys lists every configurable value in display order.
var Keys = []Key{
	{"GITHUB_TOKEN", "GitHub personal access token (repo scope)", true, true, ""},
	{"GITHUB_WEBHOOK_SECRET", "Secret for GitHub webhooks (enables /webhooks/github)", false, true, ""},
	{"ANTHROPIC_API_KEY", "Anthropic API key", false, true, "sk-ant-"},
	{"OPENAI_API_KEY", "OpenAI API key", false, true, "sk-"},
	{"OPENROUTER_API_KEY", "OpenRouter API key", false, true, "sk-or-"},
	{"JANITOR_LLM_MODEL", "Default model", false, false, ""},
	{"JANITOR_CODE_MODEL", "Model for FIX proposals", false, false, ""},
	{"JANITOR_LLM_RPS", "Model calls per second (0 = unlimited)", false, false, ""},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", false, true, ""},
	{"TELEGRAM_ADMIN_ID", "Telegram user id allowed to send commands", false, false, ""},
	{"ALLOW_GROUPS", "Accept Telegram group chats (true/false)", false, false, ""},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", false, true, "xoxb-"},
	{"SLACK_APP_TOKEN", "Slack App-Level Token (xapp-...)", false, true, "xapp-"},
	{"SLACK_ADMIN_ID", "Slack user id allowed to send commands", false, false, ""},
	{"JANITOR_ADDR", "HTTP listen address", false, false, ""},
	{"JANITOR_DATA_DIR", "Data directory", false, false, ""},
	{"JANITOR_JOBS_DIR", "Scheduled jobs directory", false, false, ""},
	{"JANITOR_PROGRESS_INTERVAL", "Progress refresh interval (e.g. 1.2s)", false, false, ""},
	{"JANITOR_AUTO_PAIR", "Pair chats on first contact (true/false)", false, false, ""},
	{"JANITOR_DEFAULT_OWNER", "Owner used by USE REPO name", false, false, ""},
}

// FindKey looks up a Key by name.
func FindKey(name string) (Key, bool) {
	for _, k := range Keys {
		if k.Name == name {
			return k, true
		}
	}
	return Key{Name: name}, false
}

// Load reads ~/.janitor/config.env and the environment.
func Load() (*Config, error) {
	return LoadFile(FilePath())
}

// LoadFile creates a Config from the env file at path and the environment.
// Values are resolved in order: environment variable > config file > default.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("JANITOR_ADDR", ":7080")
	v.SetDefault("JANITOR_DATA_DIR", DefaultDir())
	v.SetDefault("JANITOR_PROGRESS_INTERVAL", 1200*time.Millisecond)
	v.SetDefault("JANITOR_LLM_RPS", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	dataDir := v.GetString("JANITOR_DATA_DIR")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	jobsDir := v.GetString("JANITOR_JOBS_DIR")
	if jobsDir == "" {
		jobsDir = filepath.Join(dataDir, "jobs")
	}

	cfg := &Config{
		ServerAddr:           v.GetString("JANITOR_ADDR"),
		DataDir:              dataDir,
		DatabasePath:         filepath.Join(dataDir, "janitor.db"),
		JobsDir:              jobsDir,
		GitHubToken:          v.GetString("GITHUB_TOKEN"),
		GitHubWebhookSecret:  v.GetString("GITHUB_WEBHOOK_SECRET"),
		AnthropicAPIKey:      v.GetString("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:         v.GetString("OPENAI_API_KEY"),
		OpenRouterAPIKey:     v.GetString("OPENROUTER_API_KEY"),
		LLMModel:             v.GetString("JANITOR_LLM_MODEL"),
		CodeModel:            v.GetString("JANITOR_CODE_MODEL"),
		LLMRequestsPerSecond: v.GetFloat64("JANITOR_LLM_RPS"),
		TelegramBotToken:     v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramAdminID:      v.GetInt64("TELEGRAM_ADMIN_ID"),
		AllowGroups:          v.GetBool("ALLOW_GROUPS"),
		SlackBotToken:        v.GetString("SLACK_BOT_TOKEN"),
		SlackAppToken:        v.GetString("SLACK_APP_TOKEN"),
		SlackAdminID:         v.GetString("SLACK_ADMIN_ID"),
		ProgressInterval:     v.GetDuration("JANITOR_PROGRESS_INTERVAL"),
		AutoPair:             v.GetBool("JANITOR_AUTO_PAIR"),
		DefaultOwner:         v.GetString("JANITOR_DEFAULT_OWNER"),
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && c.OpenRouterAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY or OPENROUTER_API_KEY is required")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("JANITOR_PROGRESS_INTERVAL must be positive")
	}
	if c.LLMRequestsPerSecond < 0 {
		return fmt.Errorf("JANITOR_LLM_RPS must not be negative")
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// DefaultDir returns ~/.janitor.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".janitor"
	}
	return filepath.Join(home, ".janitor")
}

// FilePath returns the config file path, ~/.janitor/config.env.
func FilePath() string {
	return filepath.Join(DefaultDir(), "config.env")
}

// ReadFile reads KEY=VALUE pairs from the env file at path. A missing file
// yields an empty map.
func ReadFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			values[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return values, scanner.Err()
}

// WriteFile writes values to the env file at path: known keys first in
// display order, then any extras sorted. Empty values are dropped.
func WriteFile(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# Janitor configuration")
	fmt.Fprintln(w, "# Managed by: janitor config")
	fmt.Fprintln(w, "# Environment variables override these values.")
	fmt.Fprintln(w)

	written := make(map[string]bool)
	for _, k := range Keys {
		if v := values[k.Name]; v != "" {
			fmt.Fprintf(w, "%s=%s\n", k.Name, v)
			written[k.Name] = true
		}
	}
	var extras []string
	for k, v := range values {
		if !written[k] && v != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(w, "%s=%s\n", k, values[k])
	}
	return w.Flush()
}

// EffectiveValue returns the current value for a key, preferring env vars
// over the config file.
func EffectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// MaskSecret masks a secret string, showing only the first 4 and last 4 characters.
func MaskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
