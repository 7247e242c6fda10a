// Package queue implements the per-shop queue engine: ticket lifecycle,
// position bookkeeping, persistence, and event emission.
//
// Each shop is owned by a single Engine goroutine; all mutations for a shop
// flow through its mailbox and are processed sequentially. Other components
// only ever see immutable snapshots.
package queue

import (
	"time"
)

// State is a ticket's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateCalled    State = "called"
	StateServing   State = "serving"
	StateServed    State = "served"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// transitions is the legal state machine. Absent entries are illegal.
var transitions = map[State]map[State]bool{
	StateWaiting: {StateCalled: true, StateCancelled: true},
	StateCalled:  {StateServing: true, StateSkipped: true, StateCancelled: true},
	StateServing: {StateServed: true},
}

// CanTransition reports whether s may legally become to.
func (s State) CanTransition(to State) bool {
	return transitions[s][to]
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateServed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// InLine reports whether the ticket still holds a position in the queue.
// Called tickets keep their position until they start service or leave.
func (s State) InLine() bool {
	return s == StateWaiting || s == StateCalled
}

// Active reports whether the ticket counts against duplicate-customer and
// capacity checks.
func (s State) Active() bool {
	return s == StateWaiting || s == StateCalled || s == StateServing
}

// Priority orders tickets within a queue. Higher is served sooner.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
	PriorityVIP    Priority = 5
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityVIP
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityVIP:
		return "vip"
	default:
		return "unknown"
	}
}

// Ticket is one customer's place in a queue.
type Ticket struct {
	ID            string
	ShopID        string
	QueueID       string
	CustomerID    string
	ServiceID     string
	SpecialistID  string
	AppointmentID string

	// Number is the human-readable ticket number, unique per shop-day.
	Number string

	State    State
	Priority Priority
	// Position is 1-based while the ticket is in line, 0 otherwise.
	Position int

	JoinedAt       time.Time
	CalledAt       *time.Time
	ServeStartedAt *time.Time
	CompletedAt    *time.Time

	EstimatedWaitMinutes int
	ActualWaitMinutes    *int
	Notes                string

	// Version guards optimistic persistence updates.
	Version int64
}

// Clone returns a deep copy. The engine mutates copies and swaps them in
// only after persistence succeeds.
func (t *Ticket) Clone() *Ticket {
	c := *t
	if t.CalledAt != nil {
		at := *t.CalledAt
		c.CalledAt = &at
	}
	if t.ServeStartedAt != nil {
		at := *t.ServeStartedAt
		c.ServeStartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.ActualWaitMinutes != nil {
		m := *t.ActualWaitMinutes
		c.ActualWaitMinutes = &m
	}
	return &c
}

// View is the wire-facing projection of a ticket carried in event payloads
// and snapshots.
type View struct {
	ID                   string `json:"ticket_id"`
	Number               string `json:"number"`
	QueueID              string `json:"queue_id"`
	CustomerID           string `json:"customer_id"`
	State                string `json:"state"`
	Priority             string `json:"priority"`
	Position             int    `json:"position"`
	SpecialistID         string `json:"specialist_id,omitempty"`
	ServiceID            string `json:"service_id,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

// View builds the wire projection.
func (t *Ticket) View() View {
	return View{
		ID:                   t.ID,
		Number:               t.Number,
		QueueID:              t.QueueID,
		CustomerID:           t.CustomerID,
		State:                string(t.State),
		Priority:             t.Priority.String(),
		Position:             t.Position,
		SpecialistID:         t.SpecialistID,
		ServiceID:            t.ServiceID,
		EstimatedWaitMinutes: t.EstimatedWaitMinutes,
	}
}

// QueueStatus is a queue's administrative state.
type QueueStatus string

const (
	QueueOpen   QueueStatus = "open"
	QueuePaused QueueStatus = "paused"
	QueueClosed QueueStatus = "closed"
)

// Queue is a named container of tickets attached to a shop.
type Queue struct {
	ID     string
	ShopID string
	Name   string
	Status QueueStatus
	// MaxCapacity bounds active tickets; 0 means unlimited.
	MaxCapacity int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a copy.
func (q *Queue) Clone() *Queue {
	c := *q
	return &c
}

// Snapshot is a read-only consistent view of one queue's active tickets.
type Snapshot struct {
	QueueID      string `json:"queue_id"`
	ShopID       string `json:"shop_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	WaitingCount int    `json:"waiting_count"`
	CalledCount  int    `json:"called_count"`
	ServingCount int    `json:"serving_count"`
	Tickets      []View `json:"tickets"`
	TakenAt      string `json:"taken_at"`
}
