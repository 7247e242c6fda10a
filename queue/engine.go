package queue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/history"
	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/predict"
)

// EventSink receives the engine's broadcast events. Publishing must never
// block; the hub satisfies this.
type EventSink interface {
	Publish(group string, event hub.Event)
}

// HistoryRecorder is the slice of the sample store the engine needs.
type HistoryRecorder interface {
	Insert(sample history.Sample) error
	Snapshot(shopID string, now time.Time, historyDays int) (*history.Snapshot, error)
}

// Config tunes one shop engine. Zero values fall back to defaults.
type Config struct {
	// MailboxDepth bounds the pending-request channel.
	MailboxDepth int
	// StaleCalledAfter is how long a ticket may sit in called before the
	// sweep task skips it.
	StaleCalledAfter time.Duration
	// HistoryDays is the sample window handed to the predictor.
	HistoryDays int
	// SnapshotTTL is how long a history snapshot is reused for estimates
	// before being re-read.
	SnapshotTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = 64
	}
	if c.StaleCalledAfter <= 0 {
		c.StaleCalledAfter = 15 * time.Minute
	}
	if c.HistoryDays <= 0 {
		c.HistoryDays = 30
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = time.Minute
	}
	return c
}

// JoinRequest carries the parameters of a join mutation.
type JoinRequest struct {
	QueueID       string
	CustomerID    string
	ServiceID     string
	SpecialistID  string
	AppointmentID string
	// Priority defaults to normal, or high when AppointmentID is set.
	Priority Priority
}

// Engine is the sole mutator of one shop's queues and tickets. A single
// goroutine owns the state; every operation is a closure submitted to the
// mailbox and executed in order.
type Engine struct {
	shopID    string
	cfg       Config
	store     *Store
	histories HistoryRecorder
	estimator *predict.Estimator
	sink      EventSink
	clock     clock.Clock
	logger    *zap.SugaredLogger

	// Owned by the run goroutine after Start.
	queues      map[string]*Queue
	tickets     map[string]*Ticket
	specialists []string

	histSnap *history.Snapshot
	histAt   time.Time

	mailbox chan func()
	stop    chan struct{}
	done    chan struct{}

	halted     bool
	haltReason string
}

// NewEngine creates and rehydrates an engine for one shop, then starts its
// run goroutine. Active tickets and queues are reloaded from the store so a
// restart reconstructs the exact in-memory state.
func NewEngine(
	shopID string,
	cfg Config,
	store *Store,
	histories HistoryRecorder,
	estimator *predict.Estimator,
	sink EventSink,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*Engine, error) {
	cfg = cfg.withDefaults()

	e := &Engine{
		shopID:    shopID,
		cfg:       cfg,
		store:     store,
		histories: histories,
		estimator: estimator,
		sink:      sink,
		clock:     clk,
		logger:    logger.Named("engine").With("shop_id", shopID),
		queues:    make(map[string]*Queue),
		tickets:   make(map[string]*Ticket),
		mailbox:   make(chan func(), cfg.MailboxDepth),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	queues, err := store.ListQueues(shopID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to rehydrate queues for shop %s", shopID)
	}
	for _, q := range queues {
		e.queues[q.ID] = q
	}

	active, err := store.ListActive(shopID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to rehydrate tickets for shop %s", shopID)
	}
	for _, t := range active {
		e.tickets[t.ID] = t
	}

	e.logger.Infow("Engine rehydrated",
		"queues", len(e.queues),
		"active_tickets", len(e.tickets),
	)

	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case <-e.stop:
			// Drain what was already accepted before shutting down.
			for {
				select {
				case fn := <-e.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop shuts the engine down after draining accepted requests.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}

// ShopID returns the shop this engine serializes.
func (e *Engine) ShopID() string { return e.shopID }

// submit enqueues fn on the mailbox, respecting context cancellation and
// shutdown. Once accepted, fn always runs.
func (e *Engine) submit(ctx context.Context, fn func()) error {
	select {
	case e.mailbox <- fn:
		return nil
	case <-e.stop:
		return errors.Newf("engine for shop %s is stopped", e.shopID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ticketResult struct {
	ticket *Ticket
	err    error
}

// call runs fn on the engine goroutine and waits for its ticket result. The
// mutation completes engine-side even if the caller's context expires first;
// only the reply is abandoned.
func (e *Engine) call(ctx context.Context, fn func() (*Ticket, error)) (*Ticket, error) {
	ch := make(chan ticketResult, 1)
	if err := e.submit(ctx, func() {
		t, err := fn()
		ch <- ticketResult{t, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.ticket, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join creates a waiting ticket.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.join(req) })
}

// CallNext transitions the next eligible waiting ticket to called.
func (e *Engine) CallNext(ctx context.Context, queueID, specialistID string) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.callNext(queueID, specialistID) })
}

// MarkServing transitions a called ticket to serving.
func (e *Engine) MarkServing(ctx context.Context, ticketID, specialistID string) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.markServing(ticketID, specialistID) })
}

// MarkServed completes a serving ticket and records its service duration.
func (e *Engine) MarkServed(ctx context.Context, ticketID string) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.markServed(ticketID) })
}

// Skip transitions a called ticket to skipped.
func (e *Engine) Skip(ctx context.Context, ticketID, reason string) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.skip(ticketID, reason) })
}

// Cancel transitions a waiting or called ticket to cancelled.
func (e *Engine) Cancel(ctx context.Context, ticketID string) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.cancel(ticketID) })
}

// Reorder moves a waiting ticket to a new position.
func (e *Engine) Reorder(ctx context.Context, ticketID string, newPosition int) (*Ticket, error) {
	return e.call(ctx, func() (*Ticket, error) { return e.reorder(ticketID, newPosition) })
}

// PeekNext returns a copy of the ticket CallNext would select, without
// transitioning it. Nil when no ticket is eligible.
func (e *Engine) PeekNext(ctx context.Context, queueID, specialistID string) (*Ticket, error) {
	type result struct {
		ticket *Ticket
		err    error
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		t := e.selectNext(queueID, specialistID)
		if t != nil {
			t = t.Clone()
		}
		ch <- result{t, nil}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.ticket, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot produces a consistent read-only view of one queue.
func (e *Engine) Snapshot(ctx context.Context, queueID string) (*Snapshot, error) {
	type result struct {
		snap *Snapshot
		err  error
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		s, err := e.snapshot(queueID)
		ch <- result{s, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queues lists the shop's queues.
func (e *Engine) Queues(ctx context.Context) ([]*Queue, error) {
	type result struct {
		queues []*Queue
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		out := make([]*Queue, 0, len(e.queues))
		for _, q := range e.queues {
			out = append(out, q.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		ch <- result{out}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.queues, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateQueue adds a queue to this shop.
func (e *Engine) CreateQueue(ctx context.Context, name string, maxCapacity int) (*Queue, error) {
	type result struct {
		q   *Queue
		err error
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		q, err := e.createQueue(name, maxCapacity)
		ch <- result{q, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.q, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetQueueStatus pauses, resumes, or closes a queue.
func (e *Engine) SetQueueStatus(ctx context.Context, queueID string, status QueueStatus) error {
	ch := make(chan error, 1)
	if err := e.submit(ctx, func() {
		ch <- e.setQueueStatus(queueID, status)
	}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSpecialists replaces the shop's active specialist roster and refreshes
// estimates, which depend on the parallelism factor.
func (e *Engine) SetSpecialists(ctx context.Context, ids []string) error {
	roster := make([]string, len(ids))
	copy(roster, ids)
	ch := make(chan error, 1)
	if err := e.submit(ctx, func() {
		e.specialists = roster
		ch <- e.refreshEstimates()
	}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Specialists returns a copy of the active specialist roster.
func (e *Engine) Specialists(ctx context.Context) ([]string, error) {
	ch := make(chan []string, 1)
	if err := e.submit(ctx, func() {
		out := make([]string, len(e.specialists))
		copy(out, e.specialists)
		ch <- out
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SweepStaleCalled skips every ticket that has sat in called beyond the
// configured timeout. Returns how many were skipped.
func (e *Engine) SweepStaleCalled(ctx context.Context) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		n, err := e.sweepStaleCalled()
		ch <- result{n, err}
	}); err != nil {
		return 0, err
	}
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RefreshEstimates recomputes wait estimates for every queue and broadcasts
// the deltas.
func (e *Engine) RefreshEstimates(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := e.submit(ctx, func() {
		ch <- e.refreshEstimates()
	}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halted reports whether the engine refused further mutations after an
// invariant violation.
func (e *Engine) Halted(ctx context.Context) (bool, string) {
	type result struct {
		halted bool
		reason string
	}
	ch := make(chan result, 1)
	if err := e.submit(ctx, func() {
		ch <- result{e.halted, e.haltReason}
	}); err != nil {
		return false, ""
	}
	select {
	case r := <-ch:
		return r.halted, r.reason
	case <-ctx.Done():
		return false, ""
	}
}

// ---- engine-goroutine internals ----

func (e *Engine) guard() error {
	if e.halted {
		return errors.Wrapf(errors.ErrShopHalted, "shop %s: %s", e.shopID, e.haltReason)
	}
	return nil
}

func (e *Engine) join(req JoinRequest) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	q, ok := e.queues[req.QueueID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", req.QueueID)
	}
	if q.Status == QueueClosed {
		return nil, errors.Wrapf(errors.ErrQueueClosed, "queue %s", q.ID)
	}
	if req.CustomerID == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "customer_id required")
	}

	for _, t := range e.tickets {
		if t.QueueID == q.ID && t.CustomerID == req.CustomerID && t.State.Active() {
			return nil, errors.Wrapf(errors.ErrDuplicateCustomer,
				"customer %s already holds ticket %s", req.CustomerID, t.Number)
		}
	}

	line := e.line(q.ID)
	if q.MaxCapacity > 0 && len(line) >= q.MaxCapacity {
		return nil, errors.Wrapf(errors.ErrAtCapacity,
			"queue %s at capacity %d", q.ID, q.MaxCapacity)
	}

	now := e.clock.Now()

	priority := req.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d out of range", priority)
	}

	// Appointment arrivals jump ahead of the tail but never displace the
	// head of the line.
	position := len(line) + 1
	if req.AppointmentID != "" {
		waiting := 0
		for _, t := range line {
			if t.State == StateWaiting {
				waiting++
			}
		}
		position = (waiting + 2) / 3 // ceil(N/3)
		if position < 2 {
			position = 2
		}
		if position > len(line)+1 {
			position = len(line) + 1
		}
		if priority < PriorityHigh {
			priority = PriorityHigh
		}
	}

	seq, err := e.store.CountJoinedOnDay(e.shopID, now)
	if err != nil {
		return nil, err
	}

	specialist := req.SpecialistID
	if specialist == "" {
		specialist = e.leastLoadedSpecialist()
	}

	ticket := &Ticket{
		ID:            uuid.New().String(),
		ShopID:        e.shopID,
		QueueID:       q.ID,
		CustomerID:    req.CustomerID,
		ServiceID:     req.ServiceID,
		SpecialistID:  specialist,
		AppointmentID: req.AppointmentID,
		Number:        FormatNumber(now, seq+1),
		State:         StateWaiting,
		Priority:      priority,
		Position:      position,
		JoinedAt:      now,
	}

	// Work on copies; nothing is applied until persistence succeeds.
	modified := []*Ticket{ticket}
	for _, t := range line {
		if t.Position >= position {
			c := t.Clone()
			c.Position++
			modified = append(modified, c)
		}
	}
	modified = append(modified, e.estimateAll(q.ID, modified, now)...)

	if err := e.store.SaveTickets(modified); err != nil {
		return nil, err
	}
	e.apply(modified)

	if err := e.verify(q.ID); err != nil {
		return nil, err
	}

	e.emit(q, hub.ActionJoin, ticket, modified[1:], now)
	e.logger.Infow("Ticket joined",
		"queue_id", q.ID,
		"ticket", ticket.Number,
		"position", ticket.Position,
		"priority", ticket.Priority.String(),
	)
	return ticket.Clone(), nil
}

func (e *Engine) callNext(queueID, specialistID string) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	q, ok := e.queues[queueID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", queueID)
	}
	if q.Status != QueueOpen {
		return nil, errors.Wrapf(errors.ErrQueueClosed, "queue %s is %s", q.ID, q.Status)
	}

	next := e.selectNext(queueID, specialistID)
	if next == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "no callable ticket in queue %s", queueID)
	}

	now := e.clock.Now()
	c := next.Clone()
	c.State = StateCalled
	c.CalledAt = &now
	if c.SpecialistID == "" && specialistID != "" {
		c.SpecialistID = specialistID
	}

	if err := e.store.SaveTickets([]*Ticket{c}); err != nil {
		return nil, err
	}
	e.apply([]*Ticket{c})

	if err := e.verify(q.ID); err != nil {
		return nil, err
	}

	e.emit(q, hub.ActionCall, c, nil, now)
	e.logger.Infow("Ticket called", "queue_id", q.ID, "ticket", c.Number)
	return c.Clone(), nil
}

// selectNext picks the waiting ticket with the highest effective priority.
// With a specialist given, that specialist's own tickets win, unassigned
// tickets are next, and tickets bound to someone else are ineligible.
func (e *Engine) selectNext(queueID, specialistID string) *Ticket {
	var candidates []*Ticket
	for _, t := range e.tickets {
		if t.QueueID != queueID || t.State != StateWaiting {
			continue
		}
		if specialistID != "" && t.SpecialistID != "" && t.SpecialistID != specialistID {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if specialistID != "" {
			aMine := a.SpecialistID == specialistID
			bMine := b.SpecialistID == specialistID
			if aMine != bMine {
				return aMine
			}
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Position < b.Position
	})
	return candidates[0]
}

func (e *Engine) markServing(ticketID, specialistID string) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "ticket %s", ticketID)
	}
	if !t.State.CanTransition(StateServing) {
		return nil, errors.Wrapf(errors.ErrIllegalState,
			"ticket %s is %s, cannot start serving", t.Number, t.State)
	}
	q := e.queues[t.QueueID]

	specialist := t.SpecialistID
	if specialistID != "" {
		specialist = specialistID
	}
	if specialist == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "serving requires a specialist")
	}
	for _, other := range e.tickets {
		if other.ID != t.ID && other.State == StateServing && other.SpecialistID == specialist {
			return nil, errors.Wrapf(errors.ErrIllegalState,
				"specialist %s is already serving ticket %s", specialist, other.Number)
		}
	}

	now := e.clock.Now()
	c := t.Clone()
	c.State = StateServing
	c.SpecialistID = specialist
	c.ServeStartedAt = &now
	wait := int(now.Sub(c.JoinedAt).Minutes())
	c.ActualWaitMinutes = &wait
	oldPos := c.Position
	c.Position = 0
	c.EstimatedWaitMinutes = 0

	modified := e.withLineClosedUp(t.QueueID, oldPos, c)
	modified = append(modified, e.estimateAll(t.QueueID, modified, now)...)

	if err := e.store.SaveTickets(modified); err != nil {
		return nil, err
	}
	e.apply(modified)

	if err := e.verify(t.QueueID); err != nil {
		return nil, err
	}

	e.emit(q, hub.ActionServe, c, modified[1:], now)
	e.logger.Infow("Ticket serving",
		"queue_id", t.QueueID,
		"ticket", c.Number,
		"specialist_id", specialist,
		"waited_minutes", wait,
	)
	return c.Clone(), nil
}

func (e *Engine) markServed(ticketID string) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "ticket %s", ticketID)
	}
	if !t.State.CanTransition(StateServed) {
		return nil, errors.Wrapf(errors.ErrIllegalState,
			"ticket %s is %s, cannot complete", t.Number, t.State)
	}
	q := e.queues[t.QueueID]

	now := e.clock.Now()
	c := t.Clone()
	c.State = StateServed
	c.CompletedAt = &now

	modified := []*Ticket{c}
	modified = append(modified, e.estimateAll(t.QueueID, modified, now)...)

	if err := e.store.SaveTickets(modified); err != nil {
		return nil, err
	}
	e.apply(modified)
	delete(e.tickets, c.ID) // terminal; history keeps the row

	if err := e.verify(t.QueueID); err != nil {
		return nil, err
	}

	e.emit(q, hub.ActionComplete, c, modified[1:], now)
	e.recordSample(c, now)
	e.logger.Infow("Ticket served", "queue_id", t.QueueID, "ticket", c.Number)
	return c.Clone(), nil
}

// recordSample appends the completed service's duration to history. Failure
// never rolls back the committed transition.
func (e *Engine) recordSample(t *Ticket, now time.Time) {
	if t.ServeStartedAt == nil || t.CompletedAt == nil {
		return
	}
	sample := history.Sample{
		ShopID:          e.shopID,
		ServiceID:       t.ServiceID,
		SpecialistID:    t.SpecialistID,
		TicketID:        t.ID,
		Hour:            now.UTC().Hour(),
		Weekday:         int(now.UTC().Weekday()),
		DurationMinutes: t.CompletedAt.Sub(*t.ServeStartedAt).Minutes(),
		ObservedAt:      now,
	}
	if !sample.Valid() {
		e.logger.Debugw("Dropping out-of-range service sample",
			"ticket", t.Number,
			"duration_minutes", sample.DurationMinutes,
		)
		return
	}
	if err := e.histories.Insert(sample); err != nil {
		e.logger.Warnw("Failed to record service sample", "ticket", t.Number, "error", err)
		return
	}
	// New data; next estimate pass re-reads the snapshot.
	e.histSnap = nil
}

func (e *Engine) skip(ticketID, reason string) (*Ticket, error) {
	return e.leaveLine(ticketID, StateSkipped, hub.ActionSkip, reason)
}

func (e *Engine) cancel(ticketID string) (*Ticket, error) {
	return e.leaveLine(ticketID, StateCancelled, hub.ActionCancel, "")
}

// leaveLine implements skip and cancel: the ticket exits the line, later
// positions close up, and both the action event and a delete event are
// emitted so clients drop the ticket from their rendered queue.
func (e *Engine) leaveLine(ticketID string, to State, action, reason string) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "ticket %s", ticketID)
	}
	if !t.State.CanTransition(to) {
		return nil, errors.Wrapf(errors.ErrIllegalState,
			"ticket %s is %s, cannot become %s", t.Number, t.State, to)
	}
	q := e.queues[t.QueueID]

	now := e.clock.Now()
	c := t.Clone()
	c.State = to
	c.CompletedAt = &now
	if reason != "" {
		if c.Notes != "" {
			c.Notes += "\n"
		}
		c.Notes += reason
	}
	oldPos := c.Position
	c.Position = 0
	c.EstimatedWaitMinutes = 0

	modified := e.withLineClosedUp(t.QueueID, oldPos, c)
	modified = append(modified, e.estimateAll(t.QueueID, modified, now)...)

	if err := e.store.SaveTickets(modified); err != nil {
		return nil, err
	}
	e.apply(modified)
	delete(e.tickets, c.ID)

	if err := e.verify(t.QueueID); err != nil {
		return nil, err
	}

	e.emit(q, action, c, modified[1:], now)
	e.emit(q, hub.ActionDelete, c, nil, now)
	e.logger.Infow("Ticket left line",
		"queue_id", t.QueueID,
		"ticket", c.Number,
		"state", string(to),
	)
	return c.Clone(), nil
}

func (e *Engine) reorder(ticketID string, newPosition int) (*Ticket, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "ticket %s", ticketID)
	}
	if t.State != StateWaiting {
		return nil, errors.Wrapf(errors.ErrIllegalState,
			"ticket %s is %s, only waiting tickets can be reordered", t.Number, t.State)
	}
	q := e.queues[t.QueueID]
	line := e.line(t.QueueID)
	if newPosition < 1 || newPosition > len(line) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"position %d outside 1..%d", newPosition, len(line))
	}

	now := e.clock.Now()
	old := t.Position
	if newPosition == old {
		return t.Clone(), nil
	}

	var modified []*Ticket
	c := t.Clone()
	c.Position = newPosition
	modified = append(modified, c)

	for _, other := range line {
		if other.ID == t.ID {
			continue
		}
		oc := other.Clone()
		switch {
		case old < newPosition && oc.Position > old && oc.Position <= newPosition:
			oc.Position--
		case old > newPosition && oc.Position >= newPosition && oc.Position < old:
			oc.Position++
		default:
			continue
		}
		modified = append(modified, oc)
	}
	modified = append(modified, e.estimateAll(t.QueueID, modified, now)...)

	if err := e.store.SaveTickets(modified); err != nil {
		return nil, err
	}
	e.apply(modified)

	if err := e.verify(t.QueueID); err != nil {
		return nil, err
	}

	e.emit(q, hub.ActionUpdate, c, modified[1:], now)
	return c.Clone(), nil
}

func (e *Engine) snapshot(queueID string) (*Snapshot, error) {
	q, ok := e.queues[queueID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", queueID)
	}

	var inLine, serving []*Ticket
	for _, t := range e.tickets {
		if t.QueueID != queueID {
			continue
		}
		if t.State.InLine() {
			inLine = append(inLine, t)
		} else if t.State == StateServing {
			serving = append(serving, t)
		}
	}
	sort.Slice(inLine, func(i, j int) bool { return inLine[i].Position < inLine[j].Position })
	sort.Slice(serving, func(i, j int) bool {
		return serving[i].ServeStartedAt.Before(*serving[j].ServeStartedAt)
	})

	snap := &Snapshot{
		QueueID: q.ID,
		ShopID:  q.ShopID,
		Name:    q.Name,
		Status:  string(q.Status),
		TakenAt: e.clock.Now().UTC().Format(time.RFC3339),
	}
	for _, t := range inLine {
		if t.State == StateWaiting {
			snap.WaitingCount++
		} else {
			snap.CalledCount++
		}
		snap.Tickets = append(snap.Tickets, t.View())
	}
	for _, t := range serving {
		snap.ServingCount++
		snap.Tickets = append(snap.Tickets, t.View())
	}
	return snap, nil
}

func (e *Engine) createQueue(name string, maxCapacity int) (*Queue, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	q := &Queue{
		ID:          uuid.New().String(),
		ShopID:      e.shopID,
		Name:        name,
		Status:      QueueOpen,
		MaxCapacity: maxCapacity,
	}
	if err := e.store.CreateQueue(q); err != nil {
		return nil, err
	}
	e.queues[q.ID] = q
	e.logger.Infow("Queue created", "queue_id", q.ID, "name", name)
	return q.Clone(), nil
}

func (e *Engine) setQueueStatus(queueID string, status QueueStatus) error {
	if err := e.guard(); err != nil {
		return err
	}
	q, ok := e.queues[queueID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "queue %s", queueID)
	}
	switch status {
	case QueueOpen, QueuePaused, QueueClosed:
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown queue status %q", status)
	}
	if q.Status == status {
		return nil
	}

	c := q.Clone()
	c.Status = status
	if err := e.store.SaveQueueStatus(c); err != nil {
		return err
	}
	e.queues[queueID] = c

	snap, err := e.snapshot(queueID)
	if err != nil {
		return err
	}
	ev := hub.Event{Type: hub.TypeQueueState, Payload: snap, TS: e.clock.Now()}
	e.sink.Publish(hub.QueueGroup(queueID), ev)
	e.sink.Publish(hub.ShopQueuesGroup(e.shopID), ev)
	e.logger.Infow("Queue status changed", "queue_id", queueID, "status", string(status))
	return nil
}

func (e *Engine) sweepStaleCalled() (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	now := e.clock.Now()
	var stale []string
	for _, t := range e.tickets {
		if t.State == StateCalled && t.CalledAt != nil &&
			now.Sub(*t.CalledAt) > e.cfg.StaleCalledAfter {
			stale = append(stale, t.ID)
		}
	}

	skipped := 0
	for _, id := range stale {
		if _, err := e.skip(id, "called timeout"); err != nil {
			e.logger.Warnw("Failed to skip stale called ticket", "ticket_id", id, "error", err)
			continue
		}
		skipped++
	}
	return skipped, nil
}

func (e *Engine) refreshEstimates() error {
	if err := e.guard(); err != nil {
		return err
	}
	now := e.clock.Now()
	for queueID, q := range e.queues {
		changed := e.estimateAll(queueID, nil, now)
		if len(changed) == 0 {
			continue
		}
		if err := e.store.SaveTickets(changed); err != nil {
			return err
		}
		e.apply(changed)

		views := make([]View, len(changed))
		for i, t := range changed {
			views[i] = t.View()
		}
		ev := hub.Event{
			Type:    hub.TypeQueueUpdate,
			Action:  hub.ActionUpdate,
			Payload: updatePayload{Changed: views},
			TS:      now,
		}
		e.sink.Publish(hub.QueueGroup(queueID), ev)
		e.sink.Publish(hub.ShopQueuesGroup(q.ShopID), ev)
	}
	return nil
}

// line returns the queue's in-line tickets (waiting and called) sorted by
// position.
func (e *Engine) line(queueID string) []*Ticket {
	var out []*Ticket
	for _, t := range e.tickets {
		if t.QueueID == queueID && t.State.InLine() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// withLineClosedUp clones every in-line ticket past the vacated position,
// decrements it, and returns the full modified set including leaving.
func (e *Engine) withLineClosedUp(queueID string, vacated int, leaving *Ticket) []*Ticket {
	modified := []*Ticket{leaving}
	for _, t := range e.line(queueID) {
		if t.ID == leaving.ID || t.Position <= vacated {
			continue
		}
		c := t.Clone()
		c.Position--
		modified = append(modified, c)
	}
	return modified
}

// apply swaps persisted copies into the in-memory state.
func (e *Engine) apply(tickets []*Ticket) {
	for _, t := range tickets {
		e.tickets[t.ID] = t
	}
}

// leastLoadedSpecialist returns the roster member with the fewest active
// tickets, or empty when no roster is set.
func (e *Engine) leastLoadedSpecialist() string {
	if len(e.specialists) == 0 {
		return ""
	}
	load := make(map[string]int, len(e.specialists))
	for _, id := range e.specialists {
		load[id] = 0
	}
	for _, t := range e.tickets {
		if t.State.Active() {
			if _, ok := load[t.SpecialistID]; ok {
				load[t.SpecialistID]++
			}
		}
	}

	best := ""
	bestLoad := -1
	for _, id := range e.specialists {
		if best == "" || load[id] < bestLoad {
			best = id
			bestLoad = load[id]
		}
	}
	return best
}

// activeSpecialistCount is the parallelism divisor input. The explicit
// roster wins; otherwise distinct specialists on active tickets; floor 1.
func (e *Engine) activeSpecialistCount() int {
	if len(e.specialists) > 0 {
		return len(e.specialists)
	}
	seen := make(map[string]bool)
	for _, t := range e.tickets {
		if t.State.Active() && t.SpecialistID != "" {
			seen[t.SpecialistID] = true
		}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

// estimateAll recomputes wait estimates for the queue's in-line tickets.
// Tickets already present in overlay are estimated in place; others whose
// estimate changes are cloned and appended to the returned slice. The
// returned tickets are exactly those needing persistence beyond overlay.
func (e *Engine) estimateAll(queueID string, overlay []*Ticket, now time.Time) []*Ticket {
	snap := e.historySnapshot(now)

	byID := make(map[string]*Ticket, len(overlay))
	for _, t := range overlay {
		byID[t.ID] = t
	}

	// Effective line view: overlay copies shadow current state.
	var line []*Ticket
	for _, t := range e.tickets {
		if o, ok := byID[t.ID]; ok {
			t = o
		}
		if t.QueueID == queueID && t.State.InLine() {
			line = append(line, t)
		}
	}
	for _, t := range overlay {
		if _, exists := e.tickets[t.ID]; !exists && t.QueueID == queueID && t.State.InLine() {
			line = append(line, t)
		}
	}
	sort.Slice(line, func(i, j int) bool { return line[i].Position < line[j].Position })

	servingStart := e.earliestServing(queueID, byID)
	active := e.activeSpecialistCount()

	var extra []*Ticket
	for _, t := range line {
		req := predict.Request{
			Position:          t.Position,
			ActiveSpecialists: active,
			Now:               now,
			ServiceID:         t.ServiceID,
			SpecialistID:      t.SpecialistID,
		}
		if t.Position == 1 && servingStart != nil {
			req.ServingStartedAt = servingStart
		}
		est := e.estimator.Estimate(snap, req)
		if est.Minutes == t.EstimatedWaitMinutes {
			continue
		}
		if _, inOverlay := byID[t.ID]; inOverlay {
			t.EstimatedWaitMinutes = est.Minutes
			continue
		}
		c := t.Clone()
		c.EstimatedWaitMinutes = est.Minutes
		extra = append(extra, c)
	}
	return extra
}

// earliestServing finds the oldest in-flight service start in the queue,
// honoring overlay copies.
func (e *Engine) earliestServing(queueID string, overlay map[string]*Ticket) *time.Time {
	var earliest *time.Time
	consider := func(t *Ticket) {
		if t.QueueID != queueID || t.State != StateServing || t.ServeStartedAt == nil {
			return
		}
		if earliest == nil || t.ServeStartedAt.Before(*earliest) {
			earliest = t.ServeStartedAt
		}
	}
	for _, t := range e.tickets {
		if o, ok := overlay[t.ID]; ok {
			t = o
		}
		consider(t)
	}
	return earliest
}

// historySnapshot returns the cached sample snapshot, re-reading it after
// the TTL or after a new sample invalidated it.
func (e *Engine) historySnapshot(now time.Time) *history.Snapshot {
	if e.histSnap != nil && now.Sub(e.histAt) < e.cfg.SnapshotTTL {
		return e.histSnap
	}
	snap, err := e.histories.Snapshot(e.shopID, now, e.cfg.HistoryDays)
	if err != nil {
		e.logger.Warnw("Failed to read history snapshot", "error", err)
		return e.histSnap
	}
	e.histSnap = snap
	e.histAt = now
	return snap
}

type ticketPayload struct {
	Ticket  View   `json:"ticket"`
	Changed []View `json:"changed,omitempty"`
}

type updatePayload struct {
	Changed []View `json:"changed"`
}

// emit publishes one event for the state change to the queue's group and
// the shop-wide group. changed carries repositioned or re-estimated tickets
// so clients reconcile in a single message.
func (e *Engine) emit(q *Queue, action string, ticket *Ticket, changed []*Ticket, now time.Time) {
	payload := ticketPayload{Ticket: ticket.View()}
	for _, t := range changed {
		payload.Changed = append(payload.Changed, t.View())
	}
	ev := hub.Event{
		Type:    hub.TypeQueueUpdate,
		Action:  action,
		Payload: payload,
		TS:      now,
	}
	e.sink.Publish(hub.QueueGroup(q.ID), ev)
	e.sink.Publish(hub.ShopQueuesGroup(q.ShopID), ev)
}

// verify checks the post-mutation invariants. A violation halts the shop:
// the damage is logged and every further mutation fails until an operator
// intervenes.
func (e *Engine) verify(queueID string) error {
	line := e.line(queueID)
	for i, t := range line {
		if t.Position != i+1 {
			return e.halt(errors.Newf(
				"queue %s positions not dense: ticket %s at %d, expected %d",
				queueID, t.Number, t.Position, i+1))
		}
	}

	serving := make(map[string]string)
	for _, t := range e.tickets {
		if t.State != StateServing {
			continue
		}
		if t.SpecialistID == "" {
			return e.halt(errors.Newf("serving ticket %s has no specialist", t.Number))
		}
		if prev, dup := serving[t.SpecialistID]; dup {
			return e.halt(errors.Newf(
				"specialist %s serving both %s and %s", t.SpecialistID, prev, t.Number))
		}
		serving[t.SpecialistID] = t.Number
	}
	return nil
}

func (e *Engine) halt(cause error) error {
	e.halted = true
	e.haltReason = cause.Error()
	e.logger.Errorw("INVARIANT VIOLATION, shop halted until operator intervention",
		"shop_id", e.shopID,
		"reason", e.haltReason,
	)
	return errors.Wrapf(errors.ErrShopHalted, "shop %s: %s", e.shopID, e.haltReason)
}
