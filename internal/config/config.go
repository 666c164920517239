package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults used when the config file or environment leaves a knob unset.
const (
	DefaultFeedURL       = "https://schedule-of.mirea.ru/?s=1_5578"
	DefaultTimezone      = "Europe/Moscow"
	DefaultDataDir       = "data"
	DefaultCheckInterval = 60 * time.Second
	DefaultNotifyMinutes = 10
)

// Config represents the application configuration
type Config struct {
	BotToken           string `yaml:"botToken" validate:"required"`
	AdminID            int64  `yaml:"adminID" validate:"required"`
	NotificationChatID int64  `yaml:"notificationChatID"`
	ScheduleFeedURL    string `yaml:"scheduleFeedURL" validate:"required,url"`
	Timezone           string `yaml:"timezone" validate:"required"`
	DataDir            string `yaml:"dataDir" validate:"required"`

	// MorningGreeting and EveningGreeting are local wall-clock times in
	// HH:MM format. Empty disables the corresponding greeting post.
	MorningGreeting string `yaml:"morningGreeting,omitempty"`
	EveningGreeting string `yaml:"eveningGreeting,omitempty"`

	// Greeting text generation backend. Optional; a static fallback text
	// is used when unset or when the backend fails.
	GreetingAPIURL string `yaml:"greetingAPIURL,omitempty" validate:"omitempty,url"`
	GreetingAPIKey string `yaml:"greetingAPIKey,omitempty"`

	// GreetingPhoto is an optional image attached to greeting posts.
	GreetingPhoto string `yaml:"greetingPhoto,omitempty"`

	// Test mode shortens the notifier poll interval and overrides the
	// notify offset so the whole window can be exercised in seconds.
	TestMode          bool          `yaml:"testMode"`
	TestCheckInterval time.Duration `yaml:"testCheckInterval,omitempty"`
	TestNotifyMinutes int           `yaml:"testNotifyMinutes,omitempty" validate:"omitempty,min=1"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Load loads and validates the configuration from groupbot_config.yaml,
// looking in the current directory first, then in the user's home directory.
// Environment variables override file values for credentials and test knobs.
func Load() (*Config, error) {
	configPath, err := findConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{
		ScheduleFeedURL: DefaultFeedURL,
		Timezone:        DefaultTimezone,
		DataDir:         DefaultDataDir,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration struct, the timezone name and the
// greeting time formats.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	for _, v := range []struct{ name, value string }{
		{"morningGreeting", cfg.MorningGreeting},
		{"eveningGreeting", cfg.EveningGreeting},
	} {
		if v.value == "" {
			continue
		}
		if _, err := time.Parse("15:04", v.value); err != nil {
			return fmt.Errorf("invalid %s time %q: %w", v.name, v.value, err)
		}
	}

	return nil
}

// applyEnv overlays environment variables onto the file config. The bot
// token and chat ids normally arrive this way so the yaml file can be
// committed without secrets.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("ADMIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.AdminID = id
		}
	}
	if v := os.Getenv("NOTIFICATION_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.NotificationChatID = id
		}
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		cfg.TestMode = v == "true" || v == "1"
	}
	if v := os.Getenv("TEST_CHECK_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TestCheckInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TEST_NOTIFY_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			cfg.TestNotifyMinutes = mins
		}
	}
}

// Location returns the configured timezone. Validate guarantees the name
// resolves, so errors here fall back to UTC rather than crashing.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CheckInterval returns the notifier poll interval, honoring test mode.
func (c *Config) CheckInterval() time.Duration {
	if c.TestMode && c.TestCheckInterval > 0 {
		return c.TestCheckInterval
	}
	return DefaultCheckInterval
}

// NotifyMinutes returns the base notify offset in minutes, honoring test mode.
func (c *Config) NotifyMinutes() int {
	if c.TestMode && c.TestNotifyMinutes > 0 {
		return c.TestNotifyMinutes
	}
	return DefaultNotifyMinutes
}

// findConfigFile searches for groupbot_config.yaml in the current directory
// and the home directory.
func findConfigFile() (string, error) {
	configFileName := "groupbot_config.yaml"

	if _, err := os.Stat(configFileName); err == nil {
		return configFileName, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	homeConfigPath := filepath.Join(homeDir, configFileName)
	if _, err := os.Stat(homeConfigPath); err == nil {
		return homeConfigPath, nil
	}

	return "", fmt.Errorf("config file not found in current directory or home directory")
}
