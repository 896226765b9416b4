package assignment

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cargolink/cargolink-go/pkg/client"
	"github.com/cargolink/cargolink-go/pkg/tracking"
)

const basePath = "/delivery-assignments"

// Controller owns one assignment's client-side state: driver and dispatcher
// actions, the advisory countdown, and reconciliation with server pushes.
type Controller struct {
	api *client.Client
	log *zap.Logger
	now func() time.Time

	mu sync.Mutex
	a  Assignment
}

type option func(*Controller)

// WithClock overrides the controller's time source.
func WithClock(now func() time.Time) option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(log *zap.Logger) option {
	return func(c *Controller) { c.log = log }
}

func NewController(api *client.Client, a Assignment, opts ...option) *Controller {
	c := &Controller{api: api, log: zap.NewNop(), now: time.Now, a: a}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create offers cargo to a driver/vehicle pair with the given response
// window and returns a controller for the new assignment.
func Create(ctx context.Context, api *client.Client, cargoID, driverID, vehicleID string, ttl time.Duration, opts ...option) (*Controller, error) {
	resp, err := api.Do(ctx, client.Request{
		Method: http.MethodPost,
		Path:   basePath,
		Body: map[string]any{
			"cargoId":       cargoID,
			"driverId":      driverID,
			"vehicleId":     vehicleID,
			"expiresInSecs": int(ttl.Seconds()),
		},
	})
	if err != nil {
		return nil, err
	}
	var a Assignment
	if err := resp.Decode(&a); err != nil {
		return nil, err
	}
	return NewController(api, a, opts...), nil
}

// Load fetches an existing assignment.
func Load(ctx context.Context, api *client.Client, id string, opts ...option) (*Controller, error) {
	c := NewController(api, Assignment{ID: id}, opts...)
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Assignment returns a copy of the current record.
func (c *Controller) Assignment() Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.a
}

// Expired reports the advisory expiry flag; when true, accept and reject are
// disabled locally, but Status is left untouched.
func (c *Controller) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.a.ExpiredAt(c.now())
}

// Remaining returns the countdown rendered as "MM:SS".
func (c *Controller) Remaining() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FormatRemaining(c.a.RemainingAt(c.now()))
}

// StartCountdown invokes tick once per second with the formatted remaining
// time and the advisory expired flag, while the assignment is pending. The
// returned func stops the countdown and releases its timer.
func (c *Controller) StartCountdown(tick func(remaining string, expired bool)) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			c.mu.Lock()
			a := c.a
			now := c.now()
			c.mu.Unlock()
			if a.Status != StatusPending {
				return
			}
			tick(FormatRemaining(a.RemainingAt(now)), a.ExpiredAt(now))
			select {
			case <-stop:
				return
			case <-t.C:
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Accept is the driver's positive response. Locally expired offers fail with
// ErrExpired before any network call.
func (c *Controller) Accept(ctx context.Context) error {
	if err := c.guardResponse(StatusAccepted); err != nil {
		return err
	}
	return c.post(ctx, basePath+"/"+c.id()+"/accept", nil)
}

// Reject is the driver's negative response; a reason is mandatory.
func (c *Controller) Reject(ctx context.Context, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if err := c.guardResponse(StatusRejected); err != nil {
		return err
	}
	return c.post(ctx, basePath+"/"+c.id()+"/reject", map[string]string{"reason": reason})
}

// Cancel is the dispatcher override, allowed from pending or accepted.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	ok := c.a.CanTransition(StatusCancelled)
	c.mu.Unlock()
	if !ok {
		return ErrInvalidTransition
	}
	resp, err := c.api.Do(ctx, client.Request{Method: http.MethodDelete, Path: basePath + "/" + c.id()})
	if err != nil {
		return c.reconcile(ctx, err)
	}
	return c.adopt(resp)
}

// Reassign moves a pending assignment to another driver/vehicle pair.
func (c *Controller) Reassign(ctx context.Context, driverID, vehicleID string) error {
	resp, err := c.api.Do(ctx, client.Request{
		Method: http.MethodPut,
		Path:   basePath + "/" + c.id(),
		Body:   map[string]string{"driverId": driverID, "vehicleId": vehicleID},
	})
	if err != nil {
		return c.reconcile(ctx, err)
	}
	return c.adopt(resp)
}

// Refresh re-fetches the authoritative record.
func (c *Controller) Refresh(ctx context.Context) error {
	resp, err := c.api.Do(ctx, client.Request{Method: http.MethodGet, Path: basePath + "/" + c.id()})
	if err != nil {
		return err
	}
	return c.adopt(resp)
}

// Watch merges delivery updates pushed for this assignment over the
// tracking channel; the returned func unsubscribes.
func (c *Controller) Watch(ch *tracking.Channel) func() {
	id := c.id()
	return ch.Subscribe(tracking.TypeDeliveryUpdate, func(m tracking.Message) {
		var a Assignment
		if err := json.Unmarshal(m.Data, &a); err != nil {
			c.log.Warn("undecodable delivery update", zap.Error(err))
			return
		}
		if a.ID != id {
			return
		}
		c.mu.Lock()
		c.a = a
		c.mu.Unlock()
	})
}

func (c *Controller) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.a.ID
}

// guardResponse blocks driver responses the server would reject anyway:
// expired offers and illegal transitions.
func (c *Controller) guardResponse(target Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.a.ExpiredAt(c.now()) {
		return ErrExpired
	}
	if !c.a.CanTransition(target) {
		return ErrInvalidTransition
	}
	return nil
}

func (c *Controller) post(ctx context.Context, path string, body any) error {
	resp, err := c.api.Do(ctx, client.Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return c.reconcile(ctx, err)
	}
	return c.adopt(resp)
}

// reconcile handles the already-resolved-server-side case: surface the
// conflict untouched and re-fetch rather than guessing a new local state.
func (c *Controller) reconcile(ctx context.Context, cause error) error {
	if client.IsConflict(cause) {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn("reconcile refresh failed", zap.String("id", c.id()), zap.Error(err))
		}
	}
	return cause
}

// adopt replaces local state with the server's copy when the response
// carries one.
func (c *Controller) adopt(resp *client.Response) error {
	if len(resp.Data) == 0 {
		return nil
	}
	var a Assignment
	if err := resp.Decode(&a); err != nil {
		return err
	}
	if a.ID == "" {
		return nil
	}
	c.mu.Lock()
	c.a = a
	c.mu.Unlock()
	return nil
}
