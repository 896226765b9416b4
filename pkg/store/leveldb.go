package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes inside the database. Values carry the Item envelope as JSON;
// blobs are stored raw.
const (
	valuePrefix = "v:"
	blobPrefix  = "b:"
)

type levelStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	closed bool
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	it, ok, err := s.GetItem(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return it.Data, true, nil
}

func (s *levelStore) GetItem(ctx context.Context, key string) (*Item, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	return s.getItem(key)
}

func (s *levelStore) getItem(key string) (*Item, bool, error) {
	b, err := s.db.Get([]byte(valuePrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		// unreadable entry: drop it rather than poison every future read
		_ = s.db.Delete([]byte(valuePrefix+key), nil)
		return nil, false, nil
	}
	if it.expired(nowMillis()) {
		_ = s.db.Delete([]byte(valuePrefix+key), nil)
		return nil, false, nil
	}
	return &it, true, nil
}

// Set holds the store lock across the version read and the write so
// concurrent writers to one key cannot observe the same version.
func (s *levelStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev int64
	if old, ok, _ := s.getItem(key); ok && old != nil {
		prev = old.Version
	}
	b, err := json.Marshal(newItem(key, data, ttl, prev))
	if err != nil {
		return err
	}
	return s.db.Put([]byte(valuePrefix+key), b, nil)
}

func (s *levelStore) Remove(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Delete([]byte(valuePrefix+key), nil)
}

func (s *levelStore) Clear(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(valuePrefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var keys []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(valuePrefix+prefix)), nil)
	for iter.Next() {
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), valuePrefix))
	}
	iter.Release()
	return keys, iter.Error()
}

func (s *levelStore) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	b, err := s.db.Get([]byte(blobPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *levelStore) SetBlob(ctx context.Context, key string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Put([]byte(blobPrefix+key), data, nil)
}

func (s *levelStore) RemoveBlob(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Delete([]byte(blobPrefix+key), nil)
}

func (s *levelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *levelStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}
