// Package config handles configuration loading and validation for the operator autopilot.
// It supports YAML configuration files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the operator autopilot
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Stream        StreamConfig        `yaml:"stream"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	AutoReply     AutoReplyConfig     `yaml:"autoreply"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Browser       BrowserConfig       `yaml:"browser"`
	Storage       StorageConfig       `yaml:"storage"`
	Control       ControlConfig       `yaml:"control"`

	// Loaded from environment
	Token    string `yaml:"-"`
	LogLevel string `yaml:"-"`
}

// SiteConfig holds the external site's endpoints
type SiteConfig struct {
	ConsoleURL    string        `yaml:"console_url"`
	APIURL        string        `yaml:"api_url"`
	StreamURL     string        `yaml:"stream_url"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	LicenseURL    string        `yaml:"license_url"`
	LicenseKey    string        `yaml:"license_key"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

// StreamConfig holds heartbeat and reconnection settings
type StreamConfig struct {
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WatchdogInterval     time.Duration `yaml:"watchdog_interval"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectCap         time.Duration `yaml:"reconnect_cap"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

// DispatchConfig holds de-duplication and routing settings
type DispatchConfig struct {
	RecentKeyCapacity  int  `yaml:"recent_key_capacity"`
	GateLikesOnNewUser bool `yaml:"gate_likes_on_new_user"`
	ResolveMailLinks   bool `yaml:"resolve_mail_links"`
}

// AutoReplyConfig holds auto-reply send settings
type AutoReplyConfig struct {
	LockTTL    time.Duration `yaml:"lock_ttl"`
	PhotoDelay time.Duration `yaml:"photo_delay"`
}

// BroadcastConfig holds broadcast queue settings
type BroadcastConfig struct {
	MaxChatPages           int           `yaml:"max_chat_pages"`
	ChatPageSize           int           `yaml:"chat_page_size"`
	LetterPageSize         int           `yaml:"letter_page_size"`
	LastMessageChunk       int           `yaml:"last_message_chunk"`
	LastMessageConcurrency int           `yaml:"last_message_concurrency"`
	MinLetterLength        int           `yaml:"min_letter_length"`
	LockTTL                time.Duration `yaml:"lock_ttl"`
	PersistAttempts        int           `yaml:"persist_attempts"`
}

// NotificationsConfig holds notification history settings
type NotificationsConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// BrowserConfig holds headless console settings
type BrowserConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Headless        bool   `yaml:"headless"`
	UserDataDir     string `yaml:"user_data_dir"`
	ViewportWidth   int    `yaml:"viewport_width"`
	ViewportHeight  int    `yaml:"viewport_height"`
	TokenStorageKey string `yaml:"token_storage_key"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ControlConfig holds the local control API settings
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ChannelPrefix: "42",
			HTTPTimeout:   30 * time.Second,
		},
		Stream: StreamConfig{
			PingInterval:         25 * time.Second,
			PongTimeout:          35 * time.Second,
			WatchdogInterval:     10 * time.Second,
			ReconnectBase:        2 * time.Second,
			ReconnectCap:         3 * time.Second,
			MaxReconnectAttempts: 10,
			LeaseTTL:             90 * time.Second,
			HealthCheckInterval:  time.Minute,
			ProbeInterval:        15 * time.Second,
			DialTimeout:          15 * time.Second,
			HandshakeTimeout:     20 * time.Second,
		},
		Dispatch: DispatchConfig{
			RecentKeyCapacity: 500,
			ResolveMailLinks:  true,
		},
		AutoReply: AutoReplyConfig{
			LockTTL:    10 * time.Second,
			PhotoDelay: 1500 * time.Millisecond,
		},
		Broadcast: BroadcastConfig{
			MaxChatPages:           20,
			ChatPageSize:           100,
			LetterPageSize:         50,
			LastMessageChunk:       50,
			LastMessageConcurrency: 4,
			MinLetterLength:        300,
			LockTTL:                2 * time.Hour,
			PersistAttempts:        3,
		},
		Notifications: NotificationsConfig{
			HistoryLimit: 100,
		},
		Browser: BrowserConfig{
			Enabled:         false,
			Headless:        true,
			UserDataDir:     "./data/browser",
			ViewportWidth:   1440,
			ViewportHeight:  900,
			TokenStorageKey: "token",
		},
		Storage: StorageConfig{
			DatabasePath: "./data/autopilot.db",
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8765",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from YAML file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.loadEnvOverrides()

	return cfg, nil
}

// loadEnvOverrides applies environment variable overrides to config
func (c *Config) loadEnvOverrides() {
	c.Token = strings.TrimSpace(os.Getenv("CONSOLE_TOKEN"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("API_URL"); v != "" {
		c.Site.APIURL = v
	}

	if v := os.Getenv("STREAM_URL"); v != "" {
		c.Site.StreamURL = v
	}

	if v := os.Getenv("CONSOLE_URL"); v != "" {
		c.Site.ConsoleURL = v
	}

	if v := os.Getenv("LICENSE_KEY"); v != "" {
		c.Site.LicenseKey = v
	}

	if v := os.Getenv("HEADLESS"); v != "" {
		c.Browser.Headless = strings.ToLower(v) == "true"
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}

	if v := os.Getenv("CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}

	if v := os.Getenv("RECENT_KEY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.RecentKeyCapacity = n
		}
	}
}

// HasToken checks if a console token was supplied through the environment
func (c *Config) HasToken() bool {
	return c.Token != ""
}
