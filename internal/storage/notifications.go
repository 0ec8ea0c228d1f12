// Package storage - notification history
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"operator-autopilot/internal/models"
)

// NotificationStore keeps a capped, newest-first notification history
type NotificationStore struct {
	db    *Database
	limit int
}

// NewNotificationStore creates a store that keeps at most limit entries
func NewNotificationStore(db *Database, limit int) *NotificationStore {
	if limit <= 0 {
		limit = 100
	}
	return &NotificationStore{db: db, limit: limit}
}

// Record inserts a notification and trims the history to the cap
func (s *NotificationStore) Record(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.db.now()
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (title, body, type, chat_url, require_interaction, priority, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n.Title, n.Body, string(n.Type), n.Options.ChatURL, n.Options.RequireInteraction,
			n.Options.Priority, toMillis(n.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to record notification: %w", classify(err))
		}

		if id, err := res.LastInsertId(); err == nil {
			n.ID = id
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM notifications WHERE id NOT IN (
				SELECT id FROM notifications ORDER BY id DESC LIMIT ?
			)
		`, s.limit)
		if err != nil {
			return fmt.Errorf("failed to trim notifications: %w", classify(err))
		}
		return nil
	})
}

// List returns up to limit notifications, newest first
func (s *NotificationStore) List(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, title, body, type, chat_url, require_interaction, priority, created_at
		FROM notifications ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", classify(err))
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			typ     string
			created int64
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &typ, &n.Options.ChatURL,
			&n.Options.RequireInteraction, &n.Options.Priority, &created); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = models.NotificationType(typ)
		n.CreatedAt = fromMillis(created)
		out = append(out, &n)
	}

	return out, rows.Err()
}

// Clear deletes the whole history
func (s *NotificationStore) Clear(ctx context.Context) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM notifications`); err != nil {
		return fmt.Errorf("failed to clear notifications: %w", classify(err))
	}
	return nil
}
