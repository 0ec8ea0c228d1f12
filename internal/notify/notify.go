// Package notify filters, records and presents user-visible notifications.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"operator-autopilot/internal/models"
	"operator-autopilot/internal/storage"
)

// Presenter shows a notification to the operator
type Presenter interface {
	Present(ctx context.Context, n models.Notification) error
}

// History stores recent notifications
type History interface {
	Record(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, limit int) ([]*models.Notification, error)
}

// SettingsStore persists per-type settings
type SettingsStore interface {
	Get(ctx context.Context, field string, out any) (bool, error)
	Set(ctx context.Context, field string, v any) error
}

// Settings maps a notification type to whether it is shown. Missing types
// are enabled.
type Settings map[models.NotificationType]bool

// Enabled reports whether typ is shown
func (s Settings) Enabled(typ models.NotificationType) bool {
	enabled, ok := s[typ]
	return !ok || enabled
}

// Center is the single entry point for notifications
type Center struct {
	history   History
	settings  SettingsStore
	presenter Presenter
	logger    zerolog.Logger
}

// NewCenter creates a notification center. A nil presenter logs notifications.
func NewCenter(history History, settings SettingsStore, presenter Presenter, logger zerolog.Logger) *Center {
	logger = logger.With().Str("component", "notify").Logger()
	if presenter == nil {
		presenter = LogPresenter{logger: logger}
	}
	return &Center{
		history:   history,
		settings:  settings,
		presenter: presenter,
		logger:    logger,
	}
}

// Notify records and presents n unless its type is disabled. Failures are
// logged only.
func (c *Center) Notify(ctx context.Context, n models.Notification) {
	settings, err := c.Settings(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read notification settings")
	}
	if !settings.Enabled(n.Type) {
		c.logger.Debug().Str("type", string(n.Type)).Msg("Notification type disabled")
		return
	}

	if err := c.history.Record(ctx, &n); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record notification")
	}
	if err := c.presenter.Present(ctx, n); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to present notification")
	}
}

// Settings returns the per-type settings
func (c *Center) Settings(ctx context.Context) (Settings, error) {
	settings := Settings{}
	if _, err := c.settings.Get(ctx, storage.FieldNotificationSettings, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// SetEnabled turns one notification type on or off
func (c *Center) SetEnabled(ctx context.Context, typ models.NotificationType, enabled bool) error {
	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}
	settings[typ] = enabled
	if err := c.settings.Set(ctx, storage.FieldNotificationSettings, settings); err != nil {
		return fmt.Errorf("failed to save notification settings: %w", err)
	}
	return nil
}

// Recent returns the newest notifications
func (c *Center) Recent(ctx context.Context, limit int) ([]*models.Notification, error) {
	return c.history.List(ctx, limit)
}

// LogPresenter writes notifications to the log
type LogPresenter struct {
	logger zerolog.Logger
}

// NewLogPresenter creates a presenter writing to logger
func NewLogPresenter(logger zerolog.Logger) LogPresenter {
	return LogPresenter{logger: logger}
}

// Present logs n at a level matching its priority
func (p LogPresenter) Present(_ context.Context, n models.Notification) error {
	ev := p.logger.Info()
	if n.Options.Priority >= models.PriorityHigh {
		ev = p.logger.Warn()
	}
	ev = ev.Str("type", string(n.Type)).Str("body", n.Body)
	if n.Options.ChatURL != "" {
		ev = ev.Str("link", n.Options.ChatURL)
	}
	ev.Msg(n.Title)
	return nil
}
