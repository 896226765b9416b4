package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/internal/metrics"
	"github.com/cargolink/cargolink-go/pkg/client"
	"github.com/cargolink/cargolink-go/pkg/store"
)

const cursorKey = "sync:cursor"

var (
	ErrUnknownMutation = errors.New("outbox: unknown mutation id")
	ErrNotInConflict   = errors.New("outbox: mutation is not in conflict")
	ErrBadStrategy     = errors.New("outbox: unknown conflict strategy")
)

// Strategy names a conflict resolution.
type Strategy string

const (
	ResolveServer Strategy = "server" // discard local, accept server state
	ResolveClient Strategy = "client" // re-submit with forced version override
	ResolveManual Strategy = "manual" // caller-supplied merged payload
)

// Entity is the cached representation of a pulled server record, stored
// under "<entityType>:<entityId>". UpdatedAt is the server change timestamp
// used for last-writer-wins.
type Entity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Change is one server-side change delivered by pull.
type Change struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  Operation       `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}

// PushResult buckets per-mutation outcomes of one push batch.
type PushResult struct {
	Acknowledged []string
	Conflicts    []string
	Rejected     []string
}

type Options struct {
	// Interval between periodic sync cycles. Default 30s.
	Interval time.Duration
	// CycleTimeout bounds one push+pull cycle. Default 60s.
	CycleTimeout time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Engine drives the push/pull protocol over the resilience layer. Cycles are
// serialized: a trigger while one is running coalesces into exactly one
// follow-up cycle.
type Engine struct {
	q    *Queue
	api  *client.Client
	st   store.Store
	log  *zap.Logger
	opts Options

	cycleMu chan struct{} // held for the duration of one push or pull
	gateMu  chan struct{} // guards running/queued/cancel
	running bool
	queued  bool
	cancel  context.CancelFunc // aborts the cycle in progress, if any

	stop chan struct{}
}

func NewEngine(api *client.Client, q *Queue, st store.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		q:       q,
		api:     api,
		st:      st,
		log:     opts.Logger,
		opts:    opts,
		cycleMu: make(chan struct{}, 1),
		gateMu:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	e.cycleMu <- struct{}{}
	e.gateMu <- struct{}{}

	// outbox recovery: rows left in_flight by a dead process must re-enter
	// the pending set or they are never pushed again
	if n, err := q.Recover(context.Background()); err != nil {
		e.log.Warn("outbox recovery failed", zap.Error(err))
	} else if n > 0 {
		e.log.Info("reverted stranded mutations", zap.Int("count", n))
	}
	return e
}

// Start runs the periodic trigger until Stop.
func (e *Engine) Start() {
	go func() {
		t := time.NewTicker(e.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-t.C:
				e.requestCycle()
			}
		}
	}()
}

// Stop halts the periodic trigger, aborts the cycle in progress and discards
// any queued follow-up.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.gateMu
	if e.cancel != nil {
		e.cancel()
	}
	e.gateMu <- struct{}{}
}

// SyncNow triggers a sync cycle manually.
func (e *Engine) SyncNow() { e.requestCycle() }

// NotifyOnline triggers a sync cycle after connectivity returns.
func (e *Engine) NotifyOnline() { e.requestCycle() }

func (e *Engine) requestCycle() {
	select {
	case <-e.stop:
		return
	default:
	}
	<-e.gateMu
	if e.running {
		e.queued = true
		e.gateMu <- struct{}{}
		return
	}
	e.running = true
	e.gateMu <- struct{}{}
	go e.runCycles()
}

func (e *Engine) runCycles() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.CycleTimeout)
		<-e.gateMu
		e.cancel = cancel
		e.gateMu <- struct{}{}
		if err := e.Sync(ctx); err != nil {
			e.log.Warn("sync cycle failed", zap.Error(err))
		}
		cancel()

		<-e.gateMu
		e.cancel = nil
		select {
		case <-e.stop:
			e.queued = false
		default:
		}
		if e.queued {
			e.queued = false
			e.gateMu <- struct{}{}
			continue
		}
		e.running = false
		e.gateMu <- struct{}{}
		return
	}
}

// Sync runs one push followed by one pull.
func (e *Engine) Sync(ctx context.Context) error {
	if _, err := e.Push(ctx); err != nil {
		return err
	}
	_, err := e.Pull(ctx)
	return err
}

func (e *Engine) lock(ctx context.Context) error {
	select {
	case <-e.cycleMu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unlock() { e.cycleMu <- struct{}{} }

// pushOutcome is the server's per-item verdict for one batch entry.
type pushOutcome struct {
	ID     string `json:"id"`
	Status string `json:"status"` // acknowledged | conflict | rejected
	Error  string `json:"error,omitempty"`
}

// Push submits all pending mutations as one batch, ordered by client
// timestamp. Acknowledged mutations leave the queue; conflicts and rejects
// are retained.
func (e *Engine) Push(ctx context.Context) (*PushResult, error) {
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	pending, err := e.q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	res := &PushResult{}
	if len(pending) == 0 {
		return res, nil
	}

	for _, m := range pending {
		if err := e.q.setStatus(ctx, m, StatusInFlight); err != nil {
			return nil, err
		}
	}
	// anything the server does not answer for goes back to pending; a fresh
	// context so an aborted cycle still restores the rows it marked
	revert := func() {
		rctx := context.Background()
		for _, m := range pending {
			if m.Status == StatusInFlight {
				_ = e.q.setStatus(rctx, m, StatusPending)
			}
		}
	}

	metrics.SyncPushBatches.Inc()
	resp, err := e.api.Do(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/sync/push",
		Body:   map[string]any{"changes": pending},
	})
	if err != nil {
		revert()
		return nil, err
	}

	var body struct {
		Results []pushOutcome `json:"results"`
	}
	if err := resp.Decode(&body); err != nil {
		revert()
		return nil, err
	}

	byID := make(map[string]*Mutation, len(pending))
	for _, m := range pending {
		byID[m.ID] = m
	}
	for _, out := range body.Results {
		m, ok := byID[out.ID]
		if !ok {
			continue
		}
		switch out.Status {
		case "acknowledged":
			if err := e.q.Remove(ctx, m.ID); err != nil {
				return nil, err
			}
			m.Status = StatusAcknowledged
			res.Acknowledged = append(res.Acknowledged, m.ID)
		case "conflict":
			metrics.SyncConflicts.Inc()
			if err := e.q.setStatus(ctx, m, StatusConflict); err != nil {
				return nil, err
			}
			res.Conflicts = append(res.Conflicts, m.ID)
		default:
			m.AttemptCount++
			if err := e.q.setStatus(ctx, m, StatusFailed); err != nil {
				return nil, err
			}
			res.Rejected = append(res.Rejected, m.ID)
			e.log.Warn("mutation rejected",
				zap.String("id", m.ID),
				zap.String("entity", store.EntityKey(m.EntityType, m.EntityID)),
				zap.String("error", out.Error))
		}
	}
	revert()
	return res, nil
}

// Pull fetches server changes since the stored cursor and applies them
// idempotently (last-writer-wins by change timestamp). Returns the number of
// changes applied.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	if err := e.lock(ctx); err != nil {
		return 0, err
	}
	defer e.unlock()

	query := url.Values{}
	if cur := e.Cursor(ctx); cur != "" {
		query.Set("last_sync", cur)
	}
	resp, err := e.api.Do(ctx, client.Request{
		Method: http.MethodGet,
		Path:   "/sync/pull",
		Query:  query,
	})
	if err != nil {
		return 0, err
	}

	var body struct {
		Changes []Change `json:"changes"`
		Cursor  string   `json:"cursor"`
	}
	if err := resp.Decode(&body); err != nil {
		return 0, err
	}

	applied := 0
	for _, ch := range body.Changes {
		ok, err := e.apply(ctx, ch)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			metrics.SyncPullChanges.Inc()
		}
	}
	if body.Cursor != "" {
		if err := store.SetJSON(ctx, e.st, cursorKey, body.Cursor, 0); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// apply writes one server change through last-writer-wins: a change older
// than the cached copy is ignored, an equal or newer one overwrites (equal
// keeps re-application idempotent).
func (e *Engine) apply(ctx context.Context, ch Change) (bool, error) {
	key := store.EntityKey(ch.EntityType, ch.EntityID)

	var cur Entity
	if ok, err := store.GetJSON(ctx, e.st, key, &cur); err != nil {
		return false, err
	} else if ok && ch.Timestamp < cur.UpdatedAt {
		return false, nil
	}

	if ch.Operation == OpDelete {
		return true, e.st.Remove(ctx, key)
	}
	ent := Entity{ID: ch.EntityID, Type: ch.EntityType, Data: ch.Data, UpdatedAt: ch.Timestamp}
	return true, store.SetJSON(ctx, e.st, key, ent, 0)
}

// Cursor returns the last stored sync cursor, or "".
func (e *Engine) Cursor(ctx context.Context) string {
	var cur string
	if ok, err := store.GetJSON(ctx, e.st, cursorKey, &cur); err != nil || !ok {
		return ""
	}
	return cur
}

// Stage records a local mutation optimistically: the cached entity is
// speculatively updated so reads reflect the change immediately, then the
// mutation is enqueued for push. If enqueueing fails the cache rolls back to
// its snapshot.
func (e *Engine) Stage(ctx context.Context, entityType, entityID string, op Operation, payload any) (*Mutation, error) {
	m, err := e.q.New(entityType, entityID, op, payload)
	if err != nil {
		return nil, err
	}

	key := store.EntityKey(entityType, entityID)
	snap, err := store.TakeSnapshot(ctx, e.st, key)
	if err != nil {
		return nil, err
	}
	if op == OpDelete {
		err = e.st.Remove(ctx, key)
	} else {
		ent := Entity{ID: entityID, Type: entityType, Data: m.Payload, UpdatedAt: m.ClientTimestamp}
		err = store.SetJSON(ctx, e.st, key, ent, 0)
	}
	if err != nil {
		return nil, err
	}

	if err := e.q.Enqueue(ctx, m); err != nil {
		if rerr := snap.Restore(ctx); rerr != nil {
			e.log.Warn("optimistic rollback failed", zap.String("key", key), zap.Error(rerr))
		}
		return nil, err
	}
	return m, nil
}

// Resolve applies one conflict strategy to a mutation in conflict state.
// manualPayload is required for ResolveManual and ignored otherwise.
func (e *Engine) Resolve(ctx context.Context, id string, strategy Strategy, manualPayload json.RawMessage) error {
	m, ok, err := e.q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownMutation
	}
	if m.Status != StatusConflict {
		return ErrNotInConflict
	}

	switch strategy {
	case ResolveServer:
		// drop the local change; authoritative state arrives via pull
		if err := e.q.Remove(ctx, id); err != nil {
			return err
		}
		e.SyncNow()
		return nil
	case ResolveClient:
		m.ForceVersion = true
		return e.q.setStatus(ctx, m, StatusPending)
	case ResolveManual:
		if len(manualPayload) == 0 {
			return ErrBadStrategy
		}
		m.Payload = manualPayload
		m.ForceVersion = false
		m.ClientTimestamp = time.Now().UnixMilli()
		return e.q.setStatus(ctx, m, StatusPending)
	default:
		return ErrBadStrategy
	}
}
