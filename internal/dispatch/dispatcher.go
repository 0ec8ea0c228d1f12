// Package dispatch turns decoded stream frames into at-most-once side
// effects: notifications, stats counters and auto-replies.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/config"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/storage"
)

// Notifier emits user-visible notifications
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Counters increments stats
type Counters interface {
	Increment(ctx context.Context, counter models.Counter) error
}

// Locks is the non-blocking lease store
type Locks interface {
	TryAcquire(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, operation, owner string) error
}

// Profiles resolves per-profile config and display names
type Profiles interface {
	GetConfig(ctx context.Context, id models.ExternalID) (*models.AutoReplyConfig, error)
	ResolveName(ctx context.Context, id models.ExternalID) string
}

// KeyStore persists the recent-key set
type KeyStore interface {
	Get(ctx context.Context, field string, out any) (bool, error)
	Set(ctx context.Context, field string, v any) error
}

// MailLookup resolves mail-thread deep links
type MailLookup interface {
	MailThread(ctx context.Context, userID, counterpartyID models.ExternalID, mailID string) (*api.MailThread, error)
}

// Policy decides which automated sends an event provokes
type Policy interface {
	Decide(trigger models.TriggerKind, cfg *models.AutoReplyConfig, ev models.InboundEvent) []models.OutboundAction
}

// Sender executes decided actions in order
type Sender interface {
	Execute(ctx context.Context, actions []models.OutboundAction) (sent, failed int)
}

// Deps are the dispatcher's collaborators
type Deps struct {
	Notifier Notifier
	Counters Counters
	Locks    Locks
	Profiles Profiles
	Keys     KeyStore
	Mail     MailLookup
	Policy   Policy
	Sender   Sender
}

// Dispatcher routes inbound events
type Dispatcher struct {
	cfg        config.DispatchConfig
	consoleURL string
	lockTTL    time.Duration
	owner      string
	deps       Deps
	keys       *RecentKeys
	logger     zerolog.Logger

	// lookupDelay separates mail-link lookup attempts
	lookupDelay time.Duration
}

// New creates a dispatcher. owner identifies this process in lock records.
func New(cfg *config.Config, deps Deps, owner string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg.Dispatch,
		consoleURL:  cfg.Site.ConsoleURL,
		lockTTL:     cfg.AutoReply.LockTTL,
		owner:       owner,
		deps:        deps,
		keys:        NewRecentKeys(cfg.Dispatch.RecentKeyCapacity, nil),
		logger:      logger.With().Str("component", "dispatch").Logger(),
		lookupDelay: 500 * time.Millisecond,
	}
}

// Load restores the persisted recent-key set
func (d *Dispatcher) Load(ctx context.Context) error {
	var keys []string
	if _, err := d.deps.Keys.Get(ctx, storage.FieldRecentKeys, &keys); err != nil {
		return fmt.Errorf("failed to load recent keys: %w", err)
	}
	d.keys = NewRecentKeys(d.cfg.RecentKeyCapacity, keys)
	d.logger.Debug().Int("keys", d.keys.Len()).Msg("Recent event keys restored")
	return nil
}

// Recent exposes the recent-key set
func (d *Dispatcher) Recent() *RecentKeys {
	return d.keys
}

// HandleFrame decodes one application frame and routes it. The frame's
// event name stands in for a missing action field.
func (d *Dispatcher) HandleFrame(ctx context.Context, event string, payload json.RawMessage) {
	var ev models.InboundEvent
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.logger.Debug().Err(err).Str("event", event).Msg("Dropping undecodable payload")
			return
		}
	}
	if ev.Action == models.ActionUnknown {
		ev.Action = models.ParseAction(event)
	}
	d.Route(ctx, ev)
}

// Route processes ev at most once per event key and reports whether it
// produced side effects.
func (d *Dispatcher) Route(ctx context.Context, ev models.InboundEvent) bool {
	switch ev.Action {
	case models.ActionUnknown:
		return false
	case models.ActionMessage:
		if ev.MessageType != models.MessageWink && ev.MessageType != models.MessageText {
			return false
		}
	}

	key := EventKey(ev)
	if !d.keys.Add(key) {
		d.logger.Debug().Str("key", key).Msg("Duplicate event dropped")
		return false
	}
	if err := d.deps.Keys.Set(ctx, storage.FieldRecentKeys, d.keys.Keys()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to persist recent keys")
	}

	log := d.logger.With().
		Str("action", ev.Action.String()).
		Str("profile", ev.RecipientExternalID.String()).
		Str("from", ev.SenderExternalID.String()).
		Logger()
	log.Debug().Msg("Routing event")

	switch ev.Action {
	case models.ActionViewed, models.ActionViewedPhotos:
		d.onView(ctx, ev)
	case models.ActionLiked:
		d.onLike(ctx, ev)
	case models.ActionMessage:
		d.onMessage(ctx, ev)
	case models.ActionMail:
		d.onMail(ctx, ev)
	case models.ActionReadMail:
		d.onReadMail(ctx, ev)
	case models.ActionLimitsUpdate:
		d.onLimits(ctx, ev)
	case models.ActionUnknown:
	}
	return true
}

func (d *Dispatcher) onView(ctx context.Context, ev models.InboundEvent) {
	what := "profile"
	if ev.Action == models.ActionViewedPhotos {
		what = "photos"
	}
	d.notify(ctx, ev, models.NotificationView, "New view",
		fmt.Sprintf("%s viewed %s's %s", d.senderName(ctx, ev), d.name(ctx, ev.RecipientExternalID), what),
		models.PriorityLow, "")
	d.count(ctx, models.CounterIncomingViews)

	if !ev.IsNewContact() {
		return
	}
	d.autoReply(ctx, models.TriggerView, ev)
}

func (d *Dispatcher) onLike(ctx context.Context, ev models.InboundEvent) {
	d.notify(ctx, ev, models.NotificationLike, "New like",
		fmt.Sprintf("%s liked %s", d.senderName(ctx, ev), d.name(ctx, ev.RecipientExternalID)),
		models.PriorityNormal, "")
	d.count(ctx, models.CounterIncomingLikes)

	if d.cfg.GateLikesOnNewUser && !ev.IsNewContact() {
		return
	}
	d.autoReply(ctx, models.TriggerLike, ev)
}

func (d *Dispatcher) onMessage(ctx context.Context, ev models.InboundEvent) {
	chatURL := api.ChatURL(d.consoleURL, ev.ChatUID)

	if ev.MessageType == models.MessageWink {
		d.notify(ctx, ev, models.NotificationWink, "New wink",
			fmt.Sprintf("%s winked at %s", d.senderName(ctx, ev), d.name(ctx, ev.RecipientExternalID)),
			models.PriorityNormal, chatURL)
		d.count(ctx, models.CounterIncomingWinks)
		d.autoReply(ctx, models.TriggerWink, ev)
		return
	}

	d.notify(ctx, ev, models.NotificationMessage,
		fmt.Sprintf("Message from %s", d.senderName(ctx, ev)),
		truncate(ev.Content, 120),
		models.PriorityHigh, chatURL)
	d.count(ctx, models.CounterIncomingMessages)
}

func (d *Dispatcher) onMail(ctx context.Context, ev models.InboundEvent) {
	d.notify(ctx, ev, models.NotificationMail,
		fmt.Sprintf("Letter from %s", d.senderName(ctx, ev)),
		fmt.Sprintf("New letter for %s", d.name(ctx, ev.RecipientExternalID)),
		models.PriorityHigh, "")
	d.count(ctx, models.CounterIncomingLetters)
}

func (d *Dispatcher) onReadMail(ctx context.Context, ev models.InboundEvent) {
	link := d.mailLink(ctx, ev)
	d.notify(ctx, ev, models.NotificationReadMail, "Letter read",
		fmt.Sprintf("%s read a letter from %s", d.senderName(ctx, ev), d.name(ctx, ev.RecipientExternalID)),
		models.PriorityLow, link)
	d.count(ctx, models.CounterReadMails)
}

func (d *Dispatcher) onLimits(ctx context.Context, ev models.InboundEvent) {
	link := d.mailLink(ctx, ev)
	d.notify(ctx, ev, models.NotificationLimits, "Limits updated",
		fmt.Sprintf("%s: %d messages, %d letters left with %s",
			d.name(ctx, ev.RecipientExternalID), ev.MessageLimit, ev.LetterLimit, d.senderName(ctx, ev)),
		models.PriorityLow, link)
	d.count(ctx, models.CounterLimitUpdates)
}

// autoReply sends the configured reply unless another process is mid-send.
// A held lock skips the reply entirely.
func (d *Dispatcher) autoReply(ctx context.Context, trigger models.TriggerKind, ev models.InboundEvent) {
	if d.deps.Policy == nil || d.deps.Sender == nil {
		return
	}

	cfg, err := d.deps.Profiles.GetConfig(ctx, ev.RecipientExternalID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to load auto-reply config")
		return
	}
	actions := d.deps.Policy.Decide(trigger, cfg, ev)
	if len(actions) == 0 {
		return
	}

	ok, err := d.deps.Locks.TryAcquire(ctx, models.LockAutoReply, d.owner, d.lockTTL)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Auto-reply lock check failed")
		return
	}
	if !ok {
		d.logger.Debug().Str("trigger", string(trigger)).Msg("Auto-reply in progress elsewhere, skipping")
		return
	}
	defer func() {
		if err := d.deps.Locks.Release(ctx, models.LockAutoReply, d.owner); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release auto-reply lock")
		}
	}()

	stop := d.holdLock(ctx)
	sent, failed := d.deps.Sender.Execute(ctx, actions)
	stop()
	d.logger.Info().
		Str("trigger", string(trigger)).
		Str("target", ev.Counterparty().String()).
		Int("sent", sent).
		Int("failed", failed).
		Msg("Auto-reply sent")
}

// holdLock renews the auto-reply lock every half TTL until stop is called,
// so a send slower than the TTL keeps other processes out.
func (d *Dispatcher) holdLock(ctx context.Context) (stop func()) {
	interval := d.lockTTL / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := d.deps.Locks.Renew(ctx, models.LockAutoReply, d.owner, d.lockTTL)
				if err != nil {
					d.logger.Warn().Err(err).Msg("Failed to renew auto-reply lock")
					continue
				}
				if !ok {
					d.logger.Warn().Msg("Auto-reply lock lost mid-send")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// mailLink resolves a deep link to the mail thread. Lookup failures yield
// an empty link.
func (d *Dispatcher) mailLink(ctx context.Context, ev models.InboundEvent) string {
	if !d.cfg.ResolveMailLinks || d.deps.Mail == nil {
		return ""
	}

	var thread *api.MailThread
	err := retry.New(
		retry.Attempts(2),
		retry.Delay(d.lookupDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		t, err := d.deps.Mail.MailThread(ctx, ev.RecipientExternalID, ev.SenderExternalID, ev.MailID.String())
		if err != nil {
			return err
		}
		thread = t
		return nil
	})
	if err != nil {
		d.logger.Debug().Err(err).Msg("Mail link lookup failed")
		return ""
	}
	return api.LetterURL(d.consoleURL, thread)
}

func (d *Dispatcher) notify(ctx context.Context, ev models.InboundEvent, typ models.NotificationType, title, body string, priority int, chatURL string) {
	if d.deps.Notifier == nil {
		return
	}
	d.deps.Notifier.Notify(ctx, models.Notification{
		Title: title,
		Body:  body,
		Type:  typ,
		Options: models.NotificationOptions{
			RequireInteraction: priority == models.PriorityHigh,
			Priority:           priority,
			ChatURL:            chatURL,
		},
	})
}

func (d *Dispatcher) count(ctx context.Context, counter models.Counter) {
	if err := d.deps.Counters.Increment(ctx, counter); err != nil {
		if apperr.Is(err, apperr.CodeHostInvalidated) {
			d.logger.Error().Err(err).Msg("Store gone, stats not updated")
			return
		}
		d.logger.Warn().Err(err).Str("counter", string(counter)).Msg("Failed to update stats")
	}
}

func (d *Dispatcher) senderName(ctx context.Context, ev models.InboundEvent) string {
	name := d.name(ctx, ev.SenderExternalID)
	if name == ev.SenderExternalID.String() && ev.SenderName != "" {
		return ev.SenderName
	}
	return name
}

func (d *Dispatcher) name(ctx context.Context, id models.ExternalID) string {
	if d.deps.Profiles == nil {
		return id.String()
	}
	return d.deps.Profiles.ResolveName(ctx, id)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
