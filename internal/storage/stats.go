// Package storage - activity counters
package storage

import (
	"context"
	"fmt"

	"operator-autopilot/internal/models"
)

// counterColumns whitelists the columns Increment may touch
var counterColumns = map[models.Counter]string{
	models.CounterIncomingViews:       "incoming_views",
	models.CounterIncomingLikes:       "incoming_likes",
	models.CounterIncomingWinks:       "incoming_winks",
	models.CounterIncomingMessages:    "incoming_messages",
	models.CounterIncomingLetters:     "incoming_letters",
	models.CounterOutgoingMessages:    "outgoing_messages",
	models.CounterSuccessfulChatSends: "successful_chat_sends",
	models.CounterReadMails:           "read_mails",
	models.CounterLimitUpdates:        "limit_updates",
}

// StatsStore handles the monotonic counters
type StatsStore struct {
	db *Database
}

// NewStatsStore creates a new StatsStore
func NewStatsStore(db *Database) *StatsStore {
	return &StatsStore{db: db}
}

// Increment atomically adds one to a counter
func (s *StatsStore) Increment(ctx context.Context, counter models.Counter) error {
	return s.Add(ctx, counter, 1)
}

// Add atomically adds n to a counter
func (s *StatsStore) Add(ctx context.Context, counter models.Counter, n int) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}

	_, err := s.db.db.ExecContext(ctx,
		`UPDATE stats SET `+col+` = `+col+` + ?, last_update = ? WHERE id = 1`,
		n, toMillis(s.db.now()))
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, classify(err))
	}
	return nil
}

// Get returns the current counters
func (s *StatsStore) Get(ctx context.Context) (*models.Stats, error) {
	var (
		st                    models.Stats
		lastUpdate, lastReset int64
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT incoming_views, incoming_likes, incoming_winks, incoming_messages, incoming_letters,
			outgoing_messages, successful_chat_sends, read_mails, limit_updates, last_update, last_reset
		FROM stats WHERE id = 1
	`).Scan(
		&st.IncomingViews, &st.IncomingLikes, &st.IncomingWinks, &st.IncomingMessages, &st.IncomingLetters,
		&st.OutgoingMessages, &st.SuccessfulChatSends, &st.ReadMails, &st.LimitUpdates, &lastUpdate, &lastReset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", classify(err))
	}
	st.LastUpdate = fromMillis(lastUpdate)
	st.LastReset = fromMillis(lastReset)
	return &st, nil
}

// Reset replaces every counter with zero
func (s *StatsStore) Reset(ctx context.Context) error {
	now := toMillis(s.db.now())
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE stats SET
			incoming_views = 0, incoming_likes = 0, incoming_winks = 0, incoming_messages = 0,
			incoming_letters = 0, outgoing_messages = 0, successful_chat_sends = 0, read_mails = 0,
			limit_updates = 0, last_update = ?, last_reset = ?
		WHERE id = 1
	`, now, now)
	if err != nil {
		return fmt.Errorf("failed to reset stats: %w", classify(err))
	}
	return nil
}
