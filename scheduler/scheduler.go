// Package scheduler decides who is served next when scheduled appointments
// and walk-in tickets compete, builds forward-looking service sequences, and
// reconciles appointment arrivals into the live queue.
package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/waitline/waitline/appointment"
	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/history"
	"github.com/waitline/waitline/queue"
)

// Config tunes scheduling decisions. Zero values fall back to defaults.
type Config struct {
	// Grace is how far past its scheduled start an appointment stays due.
	Grace time.Duration
	// Lookahead is how far ahead of its start an appointment becomes due.
	Lookahead time.Duration
	// EarlyArrival is how early an arrival switches to walk-in handling.
	EarlyArrival time.Duration
	// LateArrival is how late an arrival still gets a lateness note.
	LateArrival time.Duration
	// SequenceSamples is how many recent completions feed the average
	// service time used for gap filling.
	SequenceSamples int
	// DefaultServiceMinutes is the assumed duration with no usable history.
	DefaultServiceMinutes float64
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 15 * time.Minute
	}
	if c.EarlyArrival <= 0 {
		c.EarlyArrival = 30 * time.Minute
	}
	if c.LateArrival <= 0 {
		c.LateArrival = 30 * time.Minute
	}
	if c.SequenceSamples <= 0 {
		c.SequenceSamples = 20
	}
	if c.DefaultServiceMinutes <= 0 {
		c.DefaultServiceMinutes = 15
	}
	return c
}

// DecisionKind classifies a next-to-serve result.
type DecisionKind string

const (
	KindAppointment DecisionKind = "appointment"
	KindWalkIn      DecisionKind = "walk_in"
	KindNone        DecisionKind = "none"
)

// Decision is the answer to "who is served next".
type Decision struct {
	Kind        DecisionKind
	Appointment *appointment.Appointment
	Ticket      *queue.Ticket
}

// SlotKind classifies a sequence slot.
type SlotKind string

const (
	SlotAppointment SlotKind = "appointment"
	SlotWalkIn      SlotKind = "walk_in"
)

// Slot is one planned service in a sequence.
type Slot struct {
	Kind          SlotKind  `json:"kind"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	CustomerID    string    `json:"customer_id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	TicketID      string    `json:"ticket_id,omitempty"`
	TicketNumber  string    `json:"ticket_number,omitempty"`
}

// ArrivalOutcome describes how an appointment arrival was handled.
type ArrivalOutcome struct {
	// Action is one of "enqueued_early", "confirmed_late", "confirmed".
	Action      string
	Appointment *appointment.Appointment
	// Ticket is set for early arrivals enqueued as walk-ins.
	Ticket *queue.Ticket
}

// Hint is one advisory staffing recommendation.
type Hint struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Scheduler coordinates appointments with the live queue. It holds no
// mutable state of its own; all queue mutations go through the shop engine.
type Scheduler struct {
	cfg          Config
	appointments *appointment.Store
	registry     *queue.Registry
	tickets      *queue.Store
	histories    *history.Store
	clock        clock.Clock
	logger       *zap.SugaredLogger
}

// New creates a scheduler.
func New(
	cfg Config,
	appointments *appointment.Store,
	registry *queue.Registry,
	tickets *queue.Store,
	histories *history.Store,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		appointments: appointments,
		registry:     registry,
		tickets:      tickets,
		histories:    histories,
		clock:        clk,
		logger:       logger.Named("scheduler"),
	}
}

// NextToServe returns the due appointment with the earliest start, or the
// queue's next callable ticket, or none.
func (s *Scheduler) NextToServe(ctx context.Context, shopID, queueID, specialistID string) (*Decision, error) {
	now := s.clock.Now()

	due, err := s.dueAppointments(shopID, specialistID, now)
	if err != nil {
		return nil, err
	}
	if len(due) > 0 {
		return &Decision{Kind: KindAppointment, Appointment: due[0]}, nil
	}

	engine, err := s.registry.Engine(shopID)
	if err != nil {
		return nil, err
	}
	ticket, err := engine.PeekNext(ctx, queueID, specialistID)
	if err != nil {
		return nil, err
	}
	if ticket != nil {
		return &Decision{Kind: KindWalkIn, Ticket: ticket}, nil
	}
	return &Decision{Kind: KindNone}, nil
}

// dueAppointments lists unstarted appointments inside the due window,
// earliest first, optionally filtered to one specialist.
func (s *Scheduler) dueAppointments(shopID, specialistID string, now time.Time) ([]*appointment.Appointment, error) {
	appts, err := s.appointments.ListBetween(shopID, now.Add(-s.cfg.Grace), now.Add(s.cfg.Lookahead+time.Second))
	if err != nil {
		return nil, err
	}

	var due []*appointment.Appointment
	for _, a := range appts {
		if a.Status != appointment.StatusScheduled && a.Status != appointment.StatusConfirmed {
			continue
		}
		if specialistID != "" && a.SpecialistID != "" && a.SpecialistID != specialistID {
			continue
		}
		if a.DueWithin(now, s.cfg.Grace, s.cfg.Lookahead) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledStart.Before(due[j].ScheduledStart)
	})
	return due, nil
}

// ServiceSequence lays appointments onto the window at their scheduled
// starts and fills the remaining gaps with waiting walk-ins in queue order,
// each occupying the shop's recent average service time.
func (s *Scheduler) ServiceSequence(ctx context.Context, shopID, queueID string, windowStart, windowEnd time.Time) ([]Slot, error) {
	if !windowEnd.After(windowStart) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "window end must be after start")
	}

	appts, err := s.appointments.ListBetween(shopID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(appts))
	for _, a := range appts {
		slots = append(slots, Slot{
			Kind:          SlotAppointment,
			Start:         a.ScheduledStart,
			End:           a.ScheduledEnd,
			CustomerID:    a.CustomerID,
			AppointmentID: a.ID,
		})
	}

	avg, err := s.AverageServiceMinutes(shopID)
	if err != nil {
		return nil, err
	}
	avgDur := time.Duration(avg * float64(time.Minute))

	engine, err := s.registry.Engine(shopID)
	if err != nil {
		return nil, err
	}
	snap, err := engine.Snapshot(ctx, queueID)
	if err != nil {
		return nil, err
	}
	var walkIns []queue.View
	for _, v := range snap.Tickets {
		if v.State == string(queue.StateWaiting) {
			walkIns = append(walkIns, v)
		}
	}

	// Gaps: before the first appointment, between adjacent ones, and after
	// the last (the whole window when there are none).
	type gap struct{ start, end time.Time }
	var gaps []gap
	cursor := windowStart
	for _, slot := range slots {
		if slot.Start.After(cursor) {
			gaps = append(gaps, gap{cursor, slot.Start})
		}
		if slot.End.After(cursor) {
			cursor = slot.End
		}
	}
	if windowEnd.After(cursor) {
		gaps = append(gaps, gap{cursor, windowEnd})
	}

	next := 0
	for _, g := range gaps {
		at := g.start
		for next < len(walkIns) && !at.Add(avgDur).After(g.end) {
			v := walkIns[next]
			slots = append(slots, Slot{
				Kind:         SlotWalkIn,
				Start:        at,
				End:          at.Add(avgDur),
				CustomerID:   v.CustomerID,
				TicketID:     v.ID,
				TicketNumber: v.Number,
			})
			at = at.Add(avgDur)
			next++
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

// AverageServiceMinutes averages the shop's recent completions, ignoring
// outliers outside (0, 120) minutes. Defaults when no usable data exists.
func (s *Scheduler) AverageServiceMinutes(shopID string) (float64, error) {
	durations, err := s.histories.LastDurations(shopID, s.cfg.SequenceSamples)
	if err != nil {
		return 0, err
	}

	var sum float64
	var n int
	for _, d := range durations {
		if d <= 0 || d >= 120 {
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return s.cfg.DefaultServiceMinutes, nil
	}
	return sum / float64(n), nil
}

// HandleArrival reconciles a customer showing up for an appointment.
// Wrong-day arrivals fail; very early ones are enqueued as high-priority
// walk-ins linked to the appointment; very late ones get a lateness note.
// Every accepted arrival confirms the appointment.
func (s *Scheduler) HandleArrival(ctx context.Context, appointmentID, queueID string) (*ArrivalOutcome, error) {
	appt, err := s.appointments.GetByID(appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status.Terminal() || appt.Status == appointment.StatusInProgress {
		return nil, errors.Wrapf(errors.ErrIllegalState,
			"appointment %s is %s", appt.ID, appt.Status)
	}

	now := s.clock.Now()
	if !appt.ScheduledToday(now) {
		return nil, errors.Wrapf(errors.ErrWrongDay,
			"appointment %s is scheduled for %s", appt.ID,
			appt.ScheduledStart.UTC().Format("2006-01-02"))
	}

	early := appt.ScheduledStart.Sub(now)
	late := now.Sub(appt.ScheduledStart)

	outcome := &ArrivalOutcome{Action: "confirmed", Appointment: appt}

	if early > s.cfg.EarlyArrival {
		engine, err := s.registry.Engine(appt.ShopID)
		if err != nil {
			return nil, err
		}
		ticket, err := engine.Join(ctx, queue.JoinRequest{
			QueueID:       queueID,
			CustomerID:    appt.CustomerID,
			ServiceID:     appt.ServiceID,
			SpecialistID:  appt.SpecialistID,
			AppointmentID: appt.ID,
			Priority:      queue.PriorityHigh,
		})
		if err != nil {
			return nil, err
		}
		outcome.Action = "enqueued_early"
		outcome.Ticket = ticket
		s.logger.Infow("Early arrival enqueued as walk-in",
			"appointment_id", appt.ID,
			"ticket", ticket.Number,
			"early_minutes", int(early.Minutes()),
		)
	} else if late > s.cfg.LateArrival {
		note := "arrived " + late.Round(time.Minute).String() + " late"
		if err := s.appointments.AppendNote(appt.ID, note); err != nil {
			return nil, err
		}
		outcome.Action = "confirmed_late"
		s.logger.Infow("Late arrival accepted",
			"appointment_id", appt.ID,
			"late_minutes", int(late.Minutes()),
		)
	}

	if err := s.appointments.UpdateStatus(appt.ID, appointment.StatusConfirmed); err != nil {
		return nil, err
	}
	appt.Status = appointment.StatusConfirmed
	return outcome, nil
}

// StaffingAdvice returns advisory hints for operators. It never mutates
// state.
func (s *Scheduler) StaffingAdvice(ctx context.Context, shopID string) ([]Hint, error) {
	now := s.clock.Now()

	engine, err := s.registry.Engine(shopID)
	if err != nil {
		return nil, err
	}

	queues, err := engine.Queues(ctx)
	if err != nil {
		return nil, err
	}
	waiting := 0
	for _, q := range queues {
		snap, err := engine.Snapshot(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		waiting += snap.WaitingCount
	}

	upcoming, err := s.appointments.ListBetween(shopID, now, now.Add(2*time.Hour))
	if err != nil {
		return nil, err
	}

	roster, err := engine.Specialists(ctx)
	if err != nil {
		return nil, err
	}
	specialists := len(roster)
	if specialists == 0 {
		specialists = 1
	}

	avgWait, err := s.recentAverageWait(shopID, now)
	if err != nil {
		return nil, err
	}

	var hints []Hint
	w, a, sp := float64(waiting), float64(len(upcoming)), float64(specialists)
	if w > 5*sp || a/2 > 3*sp {
		hints = append(hints, Hint{
			Code:    "overloaded",
			Message: "demand exceeds staff: consider adding specialists",
		})
	}
	if avgWait > 30 {
		hints = append(hints, Hint{
			Code:    "high_wait",
			Message: "average wait exceeds 30 minutes",
		})
	}
	if specialists > 1 && waiting == 0 && len(upcoming) < 3 {
		hints = append(hints, Hint{
			Code:    "overstaffed",
			Message: "little demand: consider releasing specialists",
		})
	}
	return hints, nil
}

// recentAverageWait is the moving average of actual waits over the last
// two hours of completions.
func (s *Scheduler) recentAverageWait(shopID string, now time.Time) (float64, error) {
	completed, err := s.tickets.ListRecentCompleted(shopID, now.Add(-2*time.Hour))
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, t := range completed {
		if t.ActualWaitMinutes != nil {
			sum += float64(*t.ActualWaitMinutes)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}
