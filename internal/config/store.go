package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
// This protects against typos and malformed keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	// Don't allow keys starting or ending with dots
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}

// Store provides access to runtime-editable settings. Unlike the static
// Config loaded at startup, these can change while the server runs.
type Store interface {
	// Get returns a single config entry by key, or nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set creates or updates a config entry.
	Set(ctx context.Context, key string, value any, description string) error

	// GetAll returns all config entries.
	GetAll(ctx context.Context) (map[string]Entry, error)

	// GetByPrefix returns config entries matching the prefix.
	GetByPrefix(ctx context.Context, prefix string) (map[string]Entry, error)

	// Delete removes a config entry.
	Delete(ctx context.Context, key string) error
}

// Entry represents a single configuration entry.
type Entry struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

const settingsPrefix = "settings"

func settingKey(key string) string {
	return settingsPrefix + "/" + key + ".json"
}

// ObjectStore persists settings as JSON objects in the shared object
// store, one object per key. No caching; reads are fresh.
type ObjectStore struct {
	store storage.Store
}

// NewStore creates an object-store-backed settings store.
func NewStore(store storage.Store) *ObjectStore {
	return &ObjectStore{store: store}
}

// Get returns a single config entry by key.
func (s *ObjectStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, settingKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading setting %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding setting %s: %w", key, err)
	}
	return &e, nil
}

// Set creates or updates a config entry.
func (s *ObjectStore) Set(ctx context.Context, key string, value any, description string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(Entry{Key: key, Value: value, Description: description})
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	if err := s.store.Put(ctx, settingKey(key), data); err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// GetAll returns all config entries.
func (s *ObjectStore) GetAll(ctx context.Context) (map[string]Entry, error) {
	return s.GetByPrefix(ctx, "")
}

// GetByPrefix returns config entries whose key starts with prefix.
func (s *ObjectStore) GetByPrefix(ctx context.Context, prefix string) (map[string]Entry, error) {
	keys, err := s.store.List(ctx, settingsPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	out := make(map[string]Entry)
	for _, objKey := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(objKey, settingsPrefix+"/"), ".json")
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		data, err := s.store.Get(ctx, objKey)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading setting %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding setting %s: %w", name, err)
		}
		out[e.Key] = e
	}
	return out, nil
}

// Delete removes a config entry. Deleting an absent key is a no-op.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.store.Delete(ctx, settingKey(key))
}

// SeedDefaults writes any default entries that do not exist yet. Existing
// values are never overwritten.
func SeedDefaults(ctx context.Context, s Store, logger *slog.Logger) error {
	for _, entry := range DefaultEntries() {
		existing, err := s.Get(ctx, entry.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.Set(ctx, entry.Key, entry.Value, entry.Description); err != nil {
			return err
		}
		if logger != nil {
			logger.Debug("seeded default setting", "key", entry.Key)
		}
	}
	return nil
}
