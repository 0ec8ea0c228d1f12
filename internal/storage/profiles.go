// Package storage - per-profile configuration and caches
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"operator-autopilot/internal/models"
)

// ProfileStore handles auto-reply configs, the profile list cache and
// counterparty name overrides
type ProfileStore struct {
	db *Database
	kv *KVStore
}

// NewProfileStore creates a new ProfileStore
func NewProfileStore(db *Database) *ProfileStore {
	return &ProfileStore{db: db, kv: NewKVStore(db)}
}

// SaveConfig inserts or replaces a profile's auto-reply config
func (s *ProfileStore) SaveConfig(ctx context.Context, cfg *models.AutoReplyConfig) error {
	if cfg.ProfileExternalID.IsZero() {
		return fmt.Errorf("config has no profile id")
	}
	cfg.UpdatedAt = s.db.now()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO autoreply_configs (profile_external_id, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(profile_external_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, cfg.ProfileExternalID.String(), string(data), toMillis(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save config: %w", classify(err))
	}
	return nil
}

// GetConfig retrieves a profile's config, or nil when none is stored
func (s *ProfileStore) GetConfig(ctx context.Context, id models.ExternalID) (*models.AutoReplyConfig, error) {
	var raw string
	err := s.db.db.QueryRowContext(ctx, `
		SELECT config FROM autoreply_configs WHERE profile_external_id = ?
	`, id.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", classify(err))
	}

	cfg := &models.AutoReplyConfig{}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", id, err)
	}
	return cfg, nil
}

// DeleteConfig removes a profile's config
func (s *ProfileStore) DeleteConfig(ctx context.Context, id models.ExternalID) error {
	_, err := s.db.db.ExecContext(ctx, `DELETE FROM autoreply_configs WHERE profile_external_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", classify(err))
	}
	return nil
}

// ListConfigs returns every stored config
func (s *ProfileStore) ListConfigs(ctx context.Context) ([]*models.AutoReplyConfig, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT config FROM autoreply_configs ORDER BY profile_external_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", classify(err))
	}
	defer rows.Close()

	var configs []*models.AutoReplyConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		cfg := &models.AutoReplyConfig{}
		if err := json.Unmarshal([]byte(raw), cfg); err != nil {
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// CacheProfiles stores the last profile listing
func (s *ProfileStore) CacheProfiles(ctx context.Context, profiles []models.Profile) error {
	return s.kv.Set(ctx, FieldProfileList, models.ProfileList{
		Profiles:  profiles,
		FetchedAt: s.db.now(),
	})
}

// CachedProfiles returns the last profile listing (empty when never fetched)
func (s *ProfileStore) CachedProfiles(ctx context.Context) (models.ProfileList, error) {
	var list models.ProfileList
	if _, err := s.kv.Get(ctx, FieldProfileList, &list); err != nil {
		return models.ProfileList{}, err
	}
	return list, nil
}

// NameOverrides returns operator-defined display names keyed by external id
func (s *ProfileStore) NameOverrides(ctx context.Context) (map[models.ExternalID]string, error) {
	names := map[models.ExternalID]string{}
	if _, err := s.kv.Get(ctx, FieldNameOverrides, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// SetNameOverride sets (or with an empty name clears) a display name
func (s *ProfileStore) SetNameOverride(ctx context.Context, id models.ExternalID, name string) error {
	names, err := s.NameOverrides(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		delete(names, id)
	} else {
		names[id] = name
	}
	return s.kv.Set(ctx, FieldNameOverrides, names)
}

// ResolveName picks a display name: override, then cached profile, then raw id
func (s *ProfileStore) ResolveName(ctx context.Context, id models.ExternalID) string {
	if names, err := s.NameOverrides(ctx); err == nil {
		if name, ok := names[id]; ok && name != "" {
			return name
		}
	}
	if list, err := s.CachedProfiles(ctx); err == nil {
		if p, ok := list.Find(id); ok && p.Name != "" {
			return p.Name
		}
	}
	return id.String()
}
