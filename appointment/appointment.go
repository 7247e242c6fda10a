// Package appointment manages scheduled bookings and their lifecycle.
package appointment

import (
	"time"
)

// Status is an appointment's lifecycle state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Appointment is one scheduled booking.
type Appointment struct {
	ID             string
	ShopID         string
	CustomerID     string
	ServiceID      string
	SpecialistID   string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Status         Status
	ActualStart    *time.Time
	ActualEnd      *time.Time
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Duration returns the scheduled service length.
func (a *Appointment) Duration() time.Duration {
	return a.ScheduledEnd.Sub(a.ScheduledStart)
}

// ScheduledToday reports whether the appointment's start falls on the same
// calendar day as now, compared in UTC.
func (a *Appointment) ScheduledToday(now time.Time) bool {
	ay, am, ad := a.ScheduledStart.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return ay == ny && am == nm && ad == nd
}

// DueWithin reports whether the scheduled start lies inside the window
// [now - grace, now + lookahead].
func (a *Appointment) DueWithin(now time.Time, grace, lookahead time.Duration) bool {
	start := a.ScheduledStart
	return !start.Before(now.Add(-grace)) && !start.After(now.Add(lookahead))
}
