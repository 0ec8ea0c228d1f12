// Package config - validation logic for configuration values
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s - %s", e.Field, e.Message)
}

type checker struct {
	errs []error
}

func (c *checker) add(field, msg string) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: msg})
}

func (c *checker) positive(field string, v int) {
	if v <= 0 {
		c.add(field, "must be greater than 0")
	}
}

func (c *checker) duration(field string, d time.Duration) {
	if d <= 0 {
		c.add(field, "must be a positive duration")
	}
}

func (c *checker) url(field, raw string, schemes ...string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		c.add(field, "must be an absolute URL")
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	c.add(field, fmt.Sprintf("scheme must be one of %v", schemes))
}

// Validate checks all configuration values for validity
func (c *Config) Validate() error {
	var ch checker

	ch.url("site.api_url", c.Site.APIURL, "http", "https")
	ch.url("site.stream_url", c.Site.StreamURL, "ws", "wss")
	ch.url("site.console_url", c.Site.ConsoleURL, "http", "https")
	ch.url("site.license_url", c.Site.LicenseURL, "http", "https")
	if c.Site.ChannelPrefix == "" {
		ch.add("site.channel_prefix", "must not be empty")
	}
	ch.duration("site.http_timeout", c.Site.HTTPTimeout)

	// Stream timings
	ch.duration("stream.ping_interval", c.Stream.PingInterval)
	ch.duration("stream.pong_timeout", c.Stream.PongTimeout)
	ch.duration("stream.watchdog_interval", c.Stream.WatchdogInterval)
	ch.duration("stream.reconnect_base", c.Stream.ReconnectBase)
	ch.duration("stream.dial_timeout", c.Stream.DialTimeout)
	if c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		ch.add("stream.reconnect_cap", "must be greater than or equal to reconnect_base")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		ch.add("stream.max_reconnect_attempts", "must not be negative")
	}
	if c.Stream.LeaseTTL <= c.Stream.PingInterval {
		ch.add("stream.lease_ttl", "must be longer than ping_interval")
	}
	ch.duration("stream.handshake_timeout", c.Stream.HandshakeTimeout)
	if c.Stream.HandshakeTimeout >= c.Stream.LeaseTTL {
		ch.add("stream.handshake_timeout", "must be shorter than lease_ttl")
	}

	ch.positive("dispatch.recent_key_capacity", c.Dispatch.RecentKeyCapacity)
	ch.duration("autoreply.lock_ttl", c.AutoReply.LockTTL)
	if c.AutoReply.PhotoDelay < 0 {
		ch.add("autoreply.photo_delay", "must not be negative")
	}

	// Broadcast settings
	ch.positive("broadcast.max_chat_pages", c.Broadcast.MaxChatPages)
	ch.positive("broadcast.chat_page_size", c.Broadcast.ChatPageSize)
	ch.positive("broadcast.letter_page_size", c.Broadcast.LetterPageSize)
	ch.positive("broadcast.last_message_chunk", c.Broadcast.LastMessageChunk)
	ch.positive("broadcast.last_message_concurrency", c.Broadcast.LastMessageConcurrency)
	ch.positive("broadcast.persist_attempts", c.Broadcast.PersistAttempts)
	if c.Broadcast.MinLetterLength < 0 {
		ch.add("broadcast.min_letter_length", "must not be negative")
	}
	ch.duration("broadcast.lock_ttl", c.Broadcast.LockTTL)

	ch.positive("notifications.history_limit", c.Notifications.HistoryLimit)

	if c.Browser.Enabled {
		ch.positive("browser.viewport_width", c.Browser.ViewportWidth)
		ch.positive("browser.viewport_height", c.Browser.ViewportHeight)
		if c.Browser.TokenStorageKey == "" {
			ch.add("browser.token_storage_key", "must not be empty")
		}
	}

	if c.Storage.DatabasePath == "" {
		ch.add("storage.database_path", "must not be empty")
	}

	if len(ch.errs) > 0 {
		return errors.Join(ch.errs...)
	}

	return nil
}

// ValidateForMonitor checks if config is valid for the streaming session
func (c *Config) ValidateForMonitor() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Site.StreamURL == "" {
		return ValidationError{Field: "site.stream_url", Message: "required for monitoring (or set STREAM_URL)"}
	}
	if c.Site.APIURL == "" {
		return ValidationError{Field: "site.api_url", Message: "required for auto-replies (or set API_URL)"}
	}
	if !c.HasToken() && !c.Browser.Enabled {
		return ValidationError{
			Field:   "credentials",
			Message: "CONSOLE_TOKEN must be set when browser.enabled is false",
		}
	}
	return nil
}

// ValidateForBroadcast checks if config is valid for broadcast campaigns
func (c *Config) ValidateForBroadcast() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Site.APIURL == "" {
		return ValidationError{Field: "site.api_url", Message: "required for broadcasts (or set API_URL)"}
	}
	return nil
}
