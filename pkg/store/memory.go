package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore is the degraded-mode backend: same semantics as the LevelDB
// store, nothing survives a restart.
type memoryStore struct {
	mu     sync.RWMutex
	items  map[string]*Item
	blobs  map[string][]byte
	closed bool
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		items: make(map[string]*Item),
		blobs: make(map[string][]byte),
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	it, ok, err := s.GetItem(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return it.Data, true, nil
}

func (s *memoryStore) GetItem(ctx context.Context, key string) (*Item, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if it.expired(nowMillis()) {
		delete(s.items, key)
		return nil, false, nil
	}
	cp := *it
	return &cp, true, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev int64
	if old, ok := s.items[key]; ok && !old.expired(nowMillis()) {
		prev = old.Version
	}
	s.items[key] = newItem(key, data, ttl, prev)
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = make(map[string]*Item)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memoryStore) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *memoryStore) SetBlob(ctx context.Context, key string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) RemoveBlob(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return nil
}
