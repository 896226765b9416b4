// Package assignment drives the lifecycle of one delivery handoff: a
// dispatcher offers a cargo/driver/vehicle pairing, the driver accepts or
// rejects within a deadline, the dispatcher may cancel. The client enforces
// expiry only as an advisory flag; the authoritative expiry transition
// belongs to the server.
package assignment

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

var (
	ErrExpired           = errors.New("assignment: offer expired")
	ErrReasonRequired    = errors.New("assignment: rejection reason required")
	ErrInvalidTransition = errors.New("assignment: invalid status transition")
)

// Assignment is a time-boxed offer of a delivery task.
type Assignment struct {
	ID              string     `json:"id"`
	CargoID         string     `json:"cargoId"`
	DriverID        string     `json:"driverId"`
	VehicleID       string     `json:"vehicleId"`
	Status          Status     `json:"status"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// CanTransition reports whether the client may locally echo a move to
// target. Pending goes anywhere terminal; accepted only to cancelled (the
// dispatcher override); terminal states are immutable.
func (a Assignment) CanTransition(target Status) bool {
	switch a.Status {
	case StatusPending:
		return target == StatusAccepted || target == StatusRejected || target == StatusCancelled
	case StatusAccepted:
		return target == StatusCancelled
	default:
		return false
	}
}

// ExpiredAt reports the derived, advisory expiry condition: a pending offer
// whose deadline has passed. It never mutates Status.
func (a Assignment) ExpiredAt(now time.Time) bool {
	return a.Status == StatusPending && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// RemainingAt returns the time left on a pending offer, floored at zero.
func (a Assignment) RemainingAt(now time.Time) time.Duration {
	d := a.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FormatRemaining renders a countdown as "MM:SS".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
