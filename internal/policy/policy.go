// Package policy decides and performs automated replies.
package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"operator-autopilot/internal/models"
)

// Policy maps a trigger and a profile's config to outbound actions. It holds
// no state besides its logger.
type Policy struct {
	logger zerolog.Logger
}

// New creates a Policy
func New(logger zerolog.Logger) *Policy {
	return &Policy{logger: logger.With().Str("component", "policy").Logger()}
}

// Decide returns the sends for trigger: text first, then photo. It returns
// nil when nothing is configured. Embedded-data photo URLs are dropped.
func (p *Policy) Decide(trigger models.TriggerKind, cfg *models.AutoReplyConfig, ev models.InboundEvent) []models.OutboundAction {
	content := cfg.For(trigger)
	if content.IsEmpty() {
		return nil
	}

	target := ev.Counterparty()
	if target.ProfileID.IsZero() || target.CounterpartyID.IsZero() {
		p.logger.Debug().Str("trigger", string(trigger)).Msg("Event has no target, nothing to send")
		return nil
	}

	var actions []models.OutboundAction
	if text := strings.TrimSpace(content.Text); text != "" {
		actions = append(actions, models.OutboundAction{
			Kind:   models.OutboundText,
			Target: target,
			Text:   text,
		})
	}

	if photo := content.Photo; photo != nil && photo.URL != "" {
		if IsDataURL(photo.URL) {
			p.logger.Warn().
				Str("trigger", string(trigger)).
				Str("profile", target.ProfileID.String()).
				Msg("Photo is an embedded data URL, the site only accepts hosted photos; not sending it")
		} else {
			actions = append(actions, models.OutboundAction{
				Kind:   models.OutboundPhoto,
				Target: target,
				Photo:  *photo,
			})
		}
	}

	return actions
}

// IsDataURL reports whether raw uses the data: scheme
func IsDataURL(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "data:")
}

// ChatSender performs the chat sends
type ChatSender interface {
	SendText(ctx context.Context, target models.ChatTarget, text string) error
	SendPhoto(ctx context.Context, target models.ChatTarget, photo models.PhotoRef) error
}

// Counters increments stats
type Counters interface {
	Increment(ctx context.Context, counter models.Counter) error
}

// Executor performs decided actions in order
type Executor struct {
	sender ChatSender
	stats  Counters
	delay  time.Duration
	logger zerolog.Logger
}

// NewExecutor creates an executor that waits delay before a photo that
// follows another send.
func NewExecutor(sender ChatSender, stats Counters, delay time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		sender: sender,
		stats:  stats,
		delay:  delay,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute sends every action and reports how many succeeded and failed
func (e *Executor) Execute(ctx context.Context, actions []models.OutboundAction) (sent, failed int) {
	for i, a := range actions {
		if a.Kind == models.OutboundPhoto && i > 0 && e.delay > 0 {
			timer := time.NewTimer(e.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sent, failed + len(actions) - i
			case <-timer.C:
			}
		}

		var err error
		switch a.Kind {
		case models.OutboundText:
			err = e.sender.SendText(ctx, a.Target, a.Text)
		case models.OutboundPhoto:
			err = e.sender.SendPhoto(ctx, a.Target, a.Photo)
		default:
			continue
		}

		if err != nil {
			failed++
			e.logger.Warn().Err(err).
				Str("kind", string(a.Kind)).
				Str("target", a.Target.String()).
				Msg("Send failed")
			continue
		}

		sent++
		if e.stats != nil {
			if err := e.stats.Increment(ctx, models.CounterOutgoingMessages); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to update stats")
			}
		}
	}
	return sent, failed
}
