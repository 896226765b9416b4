package store

import (
	"context"
	"time"
)

// Snapshot is the compensating action for a speculative local write: capture
// the current value, apply the optimistic one, and Restore on failure.
type Snapshot struct {
	s    Store
	key  string
	item *Item // nil when the key was absent
}

// TakeSnapshot captures the current value of key.
func TakeSnapshot(ctx context.Context, s Store, key string) (*Snapshot, error) {
	it, ok, err := s.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	sn := &Snapshot{s: s, key: key}
	if ok {
		sn.item = it
	}
	return sn, nil
}

// Restore puts the key back to its captured state: absent keys are removed,
// present ones rewritten with their remaining ttl.
func (sn *Snapshot) Restore(ctx context.Context) error {
	if sn.item == nil {
		return sn.s.Remove(ctx, sn.key)
	}
	var ttl time.Duration
	if sn.item.ExpiresAt > 0 {
		ttl = time.Duration(sn.item.ExpiresAt-nowMillis()) * time.Millisecond
		if ttl <= 0 {
			// expired while the speculative value was live
			return sn.s.Remove(ctx, sn.key)
		}
	}
	return sn.s.Set(ctx, sn.key, sn.item.Data, ttl)
}
