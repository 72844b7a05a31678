// Package diskcache persists small per-device flags with an in-memory mirror.
package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/blemgr/internal/database"
)

// Store is a keyed string store split into namespaces.
type Store interface {
	Get(ctx context.Context, namespace, key string) (value string, ok bool, err error)
	Put(ctx context.Context, namespace, key, value string) error
}

// MemoryStore keeps values in process memory only.
type MemoryStore struct {
	m *hashmap.Map[string, string]
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: hashmap.New[string, string]()}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	v, ok := s.m.Get(namespace + "/" + key)
	return v, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, namespace, key, value string) error {
	s.m.Set(namespace+"/"+key, value)
	return nil
}

// SQLStore keeps values in the device_options table.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *database.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM device_options WHERE namespace = ? AND mac = ?", namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Put(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_options (namespace, mac, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, mac) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", namespace, key, err)
	}
	return nil
}
