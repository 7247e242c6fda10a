package queue

import (
	"database/sql"
	"time"

	"github.com/waitline/waitline/errors"
)

// Store is the durable ticket and queue store backed by SQLite. It is safe
// for use from many shop engines; row-level consistency is guarded by
// optimistic versioning, and the per-shop engine serialization prevents
// concurrent writes to the same ticket.
type Store struct {
	db *sql.DB
}

// NewStore creates a store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateQueue persists a new queue.
func (s *Store) CreateQueue(q *Queue) error {
	if q.ID == "" || q.ShopID == "" || q.Name == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "queue requires id, shop, and name")
	}
	if q.Status == "" {
		q.Status = QueueOpen
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO queues (id, shop_id, name, status, max_capacity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ShopID, q.Name, string(q.Status), q.MaxCapacity,
		formatTime(q.CreatedAt), formatTime(q.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert queue")
	}
	return nil
}

// GetQueue fetches one queue.
func (s *Store) GetQueue(id string) (*Queue, error) {
	row := s.db.QueryRow(`
		SELECT id, shop_id, name, status, max_capacity, created_at, updated_at
		FROM queues WHERE id = ?`, id)

	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue")
	}
	return q, nil
}

// ListQueues returns all queues of a shop.
func (s *Store) ListQueues(shopID string) ([]*Queue, error) {
	rows, err := s.db.Query(`
		SELECT id, shop_id, name, status, max_capacity, created_at, updated_at
		FROM queues WHERE shop_id = ? ORDER BY created_at ASC`, shopID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queues")
	}
	defer rows.Close()

	var out []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan queue")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveQueueStatus persists a queue's administrative status.
func (s *Store) SaveQueueStatus(q *Queue) error {
	q.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		"UPDATE queues SET status = ?, updated_at = ? WHERE id = ?",
		string(q.Status), formatTime(q.UpdatedAt), q.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update queue status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check queue update")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "queue %s", q.ID)
	}
	return nil
}

// SaveTickets persists a mutation's full set of modified tickets in one
// transaction. New tickets (Version 0) are inserted at version 1; existing
// tickets are updated with an optimistic version check. Any failure rolls
// the whole set back.
//
// On success every ticket's Version field is advanced in place.
func (s *Store) SaveTickets(tickets []*Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin ticket transaction")
	}
	defer tx.Rollback()

	for _, t := range tickets {
		if t.Version == 0 {
			if err := insertTicket(tx, t); err != nil {
				return err
			}
			continue
		}
		if err := updateTicket(tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit ticket transaction")
	}

	for _, t := range tickets {
		t.Version++
	}
	return nil
}

func insertTicket(tx *sql.Tx, t *Ticket) error {
	_, err := tx.Exec(`
		INSERT INTO tickets (
			id, shop_id, queue_id, customer_id, service_id, specialist_id,
			appointment_id, number, state, priority, position,
			joined_at, called_at, serve_started_at, completed_at,
			estimated_wait_minutes, actual_wait_minutes, notes, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		t.ID, t.ShopID, t.QueueID, t.CustomerID,
		nullable(t.ServiceID), nullable(t.SpecialistID), nullable(t.AppointmentID),
		t.Number, string(t.State), int(t.Priority), t.Position,
		formatTime(t.JoinedAt), nullableTime(t.CalledAt),
		nullableTime(t.ServeStartedAt), nullableTime(t.CompletedAt),
		t.EstimatedWaitMinutes, nullableInt(t.ActualWaitMinutes), nullable(t.Notes),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert ticket %s", t.Number)
	}
	return nil
}

func updateTicket(tx *sql.Tx, t *Ticket) error {
	res, err := tx.Exec(`
		UPDATE tickets SET
			state = ?, priority = ?, position = ?, specialist_id = ?,
			called_at = ?, serve_started_at = ?, completed_at = ?,
			estimated_wait_minutes = ?, actual_wait_minutes = ?, notes = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		string(t.State), int(t.Priority), t.Position, nullable(t.SpecialistID),
		nullableTime(t.CalledAt), nullableTime(t.ServeStartedAt), nullableTime(t.CompletedAt),
		t.EstimatedWaitMinutes, nullableInt(t.ActualWaitMinutes), nullable(t.Notes),
		t.ID, t.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update ticket %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check ticket update")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrIllegalState,
			"ticket %s version %d was modified concurrently", t.ID, t.Version)
	}
	return nil
}

// GetTicket fetches one ticket.
func (s *Store) GetTicket(id string) (*Ticket, error) {
	row := s.db.QueryRow(ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ticket")
	}
	return t, nil
}

// ListActive returns the shop's tickets in waiting, called, or serving
// state, ordered by position. Used to rehydrate an engine after restart.
func (s *Store) ListActive(shopID string) ([]*Ticket, error) {
	rows, err := s.db.Query(ticketColumns+`
		FROM tickets
		WHERE shop_id = ? AND state IN ('waiting', 'called', 'serving')
		ORDER BY queue_id, position ASC, joined_at ASC`, shopID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active tickets")
	}
	defer rows.Close()
	return collectTickets(rows)
}

// ListRecentCompleted returns the shop's served tickets completed at or
// after since, newest first.
func (s *Store) ListRecentCompleted(shopID string, since time.Time) ([]*Ticket, error) {
	rows, err := s.db.Query(ticketColumns+`
		FROM tickets
		WHERE shop_id = ? AND state = 'served' AND completed_at >= ?
		ORDER BY completed_at DESC`, shopID, formatTime(since))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list completed tickets")
	}
	defer rows.Close()
	return collectTickets(rows)
}

// CountJoinedOnDay counts all tickets the shop issued on the UTC day
// containing t, regardless of state. The next per-day sequence number is
// this count plus one.
func (s *Store) CountJoinedOnDay(shopID string, t time.Time) (int, error) {
	start, end := dayBounds(t)
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tickets
		WHERE shop_id = ? AND joined_at >= ? AND joined_at < ?`,
		shopID, formatTime(start), formatTime(end),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count day tickets")
	}
	return n, nil
}

const ticketColumns = `
	SELECT id, shop_id, queue_id, customer_id, service_id, specialist_id,
	       appointment_id, number, state, priority, position,
	       joined_at, called_at, serve_started_at, completed_at,
	       estimated_wait_minutes, actual_wait_minutes, notes, version
`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row scannable) (*Ticket, error) {
	var t Ticket
	var serviceID, specialistID, appointmentID, notes sql.NullString
	var joinedAt string
	var calledAt, serveStartedAt, completedAt sql.NullString
	var actualWait sql.NullInt64
	var state string
	var priority int

	err := row.Scan(
		&t.ID, &t.ShopID, &t.QueueID, &t.CustomerID, &serviceID, &specialistID,
		&appointmentID, &t.Number, &state, &priority, &t.Position,
		&joinedAt, &calledAt, &serveStartedAt, &completedAt,
		&t.EstimatedWaitMinutes, &actualWait, &notes, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.ServiceID = serviceID.String
	t.SpecialistID = specialistID.String
	t.AppointmentID = appointmentID.String
	t.Notes = notes.String
	t.State = State(state)
	t.Priority = Priority(priority)

	if t.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, err
	}
	if t.CalledAt, err = parseNullTime(calledAt); err != nil {
		return nil, err
	}
	if t.ServeStartedAt, err = parseNullTime(serveStartedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if actualWait.Valid {
		m := int(actualWait.Int64)
		t.ActualWaitMinutes = &m
	}

	return &t, nil
}

func collectTickets(rows *sql.Rows) ([]*Ticket, error) {
	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan ticket")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanQueue(row scannable) (*Queue, error) {
	var q Queue
	var status, createdAt, updatedAt string
	err := row.Scan(&q.ID, &q.ShopID, &q.Name, &status, &q.MaxCapacity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	q.Status = QueueStatus(status)
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse timestamp %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
