// Package storage - named JSON fields
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Field names of the key-value substrate
const (
	FieldAuthToken            = "auth_token"
	FieldProfileList          = "profile_list"
	FieldQueueState           = "broadcast_queue"
	FieldRecentKeys           = "recent_event_keys"
	FieldMonitoringEnabled    = "monitoring_enabled"
	FieldMonitoringRunning    = "monitoring_running"
	FieldNameOverrides        = "name_overrides"
	FieldNotificationSettings = "notification_settings"
	FieldBrowserCookies       = "browser_cookies"
)

// KVStore reads and writes JSON values under named fields.
// Writes are last-writer-wins; callers tolerate lost updates.
type KVStore struct {
	db *Database
}

// NewKVStore creates a new KVStore
func NewKVStore(db *Database) *KVStore {
	return &KVStore{db: db}
}

// Get decodes the field into out. It reports false when the field is unset.
func (s *KVStore) Get(ctx context.Context, field string, out any) (bool, error) {
	var raw string
	err := s.db.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE name = ?`, field).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", field, classify(err))
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", field, err)
	}
	return true, nil
}

// Set encodes v and stores it under field
func (s *KVStore) Set(ctx context.Context, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", field, err)
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO kv (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, field, string(data), toMillis(s.db.now()))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", field, classify(err))
	}
	return nil
}

// Delete removes a field
func (s *KVStore) Delete(ctx context.Context, field string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM kv WHERE name = ?`, field); err != nil {
		return fmt.Errorf("failed to delete %s: %w", field, classify(err))
	}
	return nil
}

// GetBool reads a boolean flag, returning def when unset
func (s *KVStore) GetBool(ctx context.Context, field string, def bool) (bool, error) {
	v := def
	if _, err := s.Get(ctx, field, &v); err != nil {
		return def, err
	}
	return v, nil
}

// GetString reads a string field, returning "" when unset
func (s *KVStore) GetString(ctx context.Context, field string) (string, error) {
	var v string
	if _, err := s.Get(ctx, field, &v); err != nil {
		return "", err
	}
	return v, nil
}
