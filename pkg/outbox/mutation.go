// Package outbox buffers local mutations made while disconnected and
// reconciles them with the server via the push/pull sync protocol. Every
// mutation is persisted to the local store before any network attempt, so
// nothing is lost if the process dies before transmission.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"

	"github.com/cargolink/cargolink-go/internal/metrics"
	"github.com/cargolink/cargolink-go/pkg/store"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusAcknowledged Status = "acknowledged"
	StatusConflict     Status = "conflict"
	StatusFailed       Status = "failed"
)

// Mutation is one local create/update/delete intended for the server.
// ForceVersion is set by the "client" conflict strategy and tells the server
// to overwrite regardless of version.
type Mutation struct {
	ID              string          `json:"id"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp int64           `json:"clientTimestamp"`
	AttemptCount    int             `json:"attemptCount"`
	Status          Status          `json:"status"`
	ForceVersion    bool            `json:"forceVersion,omitempty"`
}

const keyPrefix = "outbox:"

// Queue is the persistent mutation queue. All reads and writes go through
// the shared local store; each mutation lives under its own key.
type Queue struct {
	st    store.Store
	flake *sonyflake.Sonyflake
}

func NewQueue(st store.Store) *Queue {
	// sonyflake IDs are time-ordered, which keeps queue keys roughly in
	// enqueue order; uuid covers hosts where sonyflake cannot derive a
	// machine id.
	return &Queue{st: st, flake: sonyflake.NewSonyflake(sonyflake.Settings{})}
}

func (q *Queue) newID() string {
	if q.flake != nil {
		if id, err := q.flake.NextID(); err == nil {
			return fmt.Sprintf("%016x", id)
		}
	}
	return uuid.NewString()
}

// New builds a pending mutation for entity (entityType, entityID).
func (q *Queue) New(entityType, entityID string, op Operation, payload any) (*Mutation, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Mutation{
		ID:              q.newID(),
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       op,
		Payload:         b,
		ClientTimestamp: time.Now().UnixMilli(),
		Status:          StatusPending,
	}, nil
}

// Enqueue persists m. Callers must enqueue before attempting any network
// delivery.
func (q *Queue) Enqueue(ctx context.Context, m *Mutation) error {
	if m.Status == "" {
		m.Status = StatusPending
	}
	if err := q.save(ctx, m); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

func (q *Queue) save(ctx context.Context, m *Mutation) error {
	return store.SetJSON(ctx, q.st, keyPrefix+m.ID, m, 0)
}

func (q *Queue) Get(ctx context.Context, id string) (*Mutation, bool, error) {
	var m Mutation
	ok, err := store.GetJSON(ctx, q.st, keyPrefix+id, &m)
	if err != nil || !ok {
		return nil, false, err
	}
	return &m, true, nil
}

// List returns all mutations ordered by ClientTimestamp (ID as tie-break),
// which preserves per-entity order and global causal order alike.
func (q *Queue) List(ctx context.Context) ([]*Mutation, error) {
	keys, err := q.st.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Mutation, 0, len(keys))
	for _, k := range keys {
		m, ok, err := q.Get(ctx, strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ClientTimestamp != out[j].ClientTimestamp {
			return out[i].ClientTimestamp < out[j].ClientTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *Queue) withStatus(ctx context.Context, s Status) ([]*Mutation, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Status == s {
			out = append(out, m)
		}
	}
	return out, nil
}

// Pending returns mutations awaiting a push.
func (q *Queue) Pending(ctx context.Context) ([]*Mutation, error) {
	return q.withStatus(ctx, StatusPending)
}

// Conflicts returns mutations the server rejected with a version mismatch.
// They stay here until resolved.
func (q *Queue) Conflicts(ctx context.Context) ([]*Mutation, error) {
	return q.withStatus(ctx, StatusConflict)
}

// Recover reverts mutations a previous process left in_flight. Push marks
// the batch in_flight before transmitting; a crash between the mark and the
// server's verdict would otherwise strand those rows forever. Returns the
// number of mutations reverted.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	stranded, err := q.withStatus(ctx, StatusInFlight)
	if err != nil {
		return 0, err
	}
	for i, m := range stranded {
		if err := q.setStatus(ctx, m, StatusPending); err != nil {
			return i, err
		}
	}
	return len(stranded), nil
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.st.Remove(ctx, keyPrefix+id); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

func (q *Queue) setStatus(ctx context.Context, m *Mutation, s Status) error {
	m.Status = s
	if err := q.save(ctx, m); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if pending, err := q.Pending(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(len(pending)))
	}
}
