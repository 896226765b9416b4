// Package store is the durable local store shared by every SDK component:
// cached entities, queued mutations and binary attachments. Values are kept
// in a LevelDB database on disk; when the database cannot be opened the
// store degrades to a best-effort in-memory map so offline features keep
// working for the life of the process.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("store: closed")

// Item is the persisted envelope around every cached value. Timestamp and
// ExpiresAt are unix milliseconds; ExpiresAt == 0 means no expiry. Version
// increments on every overwrite of the same key.
type Item struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
	Version   int64           `json:"version"`
}

func (it *Item) expired(now int64) bool {
	return it.ExpiresAt > 0 && it.ExpiresAt <= now
}

// Store is an asynchronous key/value and blob store. An item past its expiry
// is never returned as a hit; it is deleted on first access after expiry.
// Keys are independently owned: no cross-key transactions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetItem(ctx context.Context, key string) (*Item, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	SetBlob(ctx context.Context, key string, data []byte) error
	RemoveBlob(ctx context.Context, key string) error

	Close() error
}

// EntityKey builds the namespaced cache key for a domain entity, e.g.
// EntityKey("cargo", "c-17") => "cargo:c-17".
func EntityKey(domain, id string) string { return domain + ":" + id }

// Open opens the LevelDB store at path, falling back to the in-memory store
// when the database cannot be opened (corrupt file, read-only filesystem).
func Open(path string, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	s, err := OpenLevelDB(path)
	if err != nil {
		log.Warn("local store unavailable, degrading to in-memory", zap.String("path", path), zap.Error(err))
		return NewMemory()
	}
	return s
}

// GetJSON reads key and unmarshals its data payload into out. Returns false
// on miss.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and stores it under key. ttl <= 0 means no expiry.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func newItem(key string, data []byte, ttl time.Duration, prevVersion int64) *Item {
	now := nowMillis()
	it := &Item{
		Key:       key,
		Data:      append([]byte(nil), data...),
		Timestamp: now,
		Version:   prevVersion + 1,
	}
	if ttl > 0 {
		it.ExpiresAt = now + ttl.Milliseconds()
	}
	return it
}
