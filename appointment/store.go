package appointment

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waitline/waitline/errors"
)

// Store is the durable appointment store backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an appointment store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new appointment. A missing ID is generated; status
// defaults to scheduled.
func (s *Store) Create(appt *Appointment) error {
	if appt.ShopID == "" || appt.CustomerID == "" || appt.ServiceID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "appointment requires shop, customer, and service")
	}
	if !appt.ScheduledEnd.After(appt.ScheduledStart) {
		return errors.Wrap(errors.ErrInvalidRequest, "scheduled_end must be after scheduled_start")
	}
	if appt.ID == "" {
		appt.ID = uuid.New().String()
	}
	if appt.Status == "" {
		appt.Status = StatusScheduled
	}
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	query := `
		INSERT INTO appointments (
			id, shop_id, customer_id, service_id, specialist_id,
			scheduled_start, scheduled_end, status, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		appt.ID, appt.ShopID, appt.CustomerID, appt.ServiceID,
		nullable(appt.SpecialistID),
		formatTime(appt.ScheduledStart), formatTime(appt.ScheduledEnd),
		string(appt.Status), nullable(appt.Notes),
		formatTime(appt.CreatedAt), formatTime(appt.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert appointment")
	}
	return nil
}

// GetByID fetches one appointment.
func (s *Store) GetByID(id string) (*Appointment, error) {
	row := s.db.QueryRow(selectColumns+" FROM appointments WHERE id = ?", id)
	appt, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "appointment %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get appointment")
	}
	return appt, nil
}

// ListBetween returns a shop's appointments whose scheduled start falls in
// [start, end), ordered by scheduled start. Cancelled and no-show
// appointments are excluded.
func (s *Store) ListBetween(shopID string, start, end time.Time) ([]*Appointment, error) {
	query := selectColumns + `
		FROM appointments
		WHERE shop_id = ?
		  AND scheduled_start >= ? AND scheduled_start < ?
		  AND status NOT IN ('cancelled', 'no_show')
		ORDER BY scheduled_start ASC
	`

	rows, err := s.db.Query(query, shopID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list appointments")
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan appointment")
		}
		out = append(out, appt)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an appointment. Terminal states reject further
// transitions with illegal_state.
func (s *Store) UpdateStatus(id string, status Status) error {
	if !status.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown appointment status %q", status)
	}

	current, err := s.GetByID(id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return errors.Wrapf(errors.ErrIllegalState,
			"appointment %s is %s and cannot become %s", id, current.Status, status)
	}

	_, err = s.db.Exec(
		"UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update appointment status")
	}
	return nil
}

// AppendNote adds a line to the appointment's notes.
func (s *Store) AppendNote(id, note string) error {
	current, err := s.GetByID(id)
	if err != nil {
		return err
	}

	notes := current.Notes
	if notes != "" {
		notes += "\n"
	}
	notes += strings.TrimSpace(note)

	_, err = s.db.Exec(
		"UPDATE appointments SET notes = ?, updated_at = ? WHERE id = ?",
		notes, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append appointment note")
	}
	return nil
}

// SetActualStart records when service actually began.
func (s *Store) SetActualStart(id string, at time.Time) error {
	return s.setActual("actual_start", id, at)
}

// SetActualEnd records when service actually finished.
func (s *Store) SetActualEnd(id string, at time.Time) error {
	return s.setActual("actual_end", id, at)
}

func (s *Store) setActual(column, id string, at time.Time) error {
	res, err := s.db.Exec(
		"UPDATE appointments SET "+column+" = ?, updated_at = ? WHERE id = ?",
		formatTime(at), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set %s", column)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "appointment %s", id)
	}
	return nil
}

const selectColumns = `
	SELECT id, shop_id, customer_id, service_id, specialist_id,
	       scheduled_start, scheduled_end, status, actual_start, actual_end,
	       notes, created_at, updated_at
`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row scannable) (*Appointment, error) {
	var appt Appointment
	var specialistID, actualStart, actualEnd, notes sql.NullString
	var scheduledStart, scheduledEnd, status, createdAt, updatedAt string

	err := row.Scan(
		&appt.ID, &appt.ShopID, &appt.CustomerID, &appt.ServiceID, &specialistID,
		&scheduledStart, &scheduledEnd, &status, &actualStart, &actualEnd,
		&notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	appt.SpecialistID = specialistID.String
	appt.Status = Status(status)
	appt.Notes = notes.String

	if appt.ScheduledStart, err = parseTime(scheduledStart); err != nil {
		return nil, err
	}
	if appt.ScheduledEnd, err = parseTime(scheduledEnd); err != nil {
		return nil, err
	}
	if appt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if appt.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if actualStart.Valid {
		t, err := parseTime(actualStart.String)
		if err != nil {
			return nil, err
		}
		appt.ActualStart = &t
	}
	if actualEnd.Valid {
		t, err := parseTime(actualEnd.String)
		if err != nil {
			return nil, err
		}
		appt.ActualEnd = &t
	}

	return &appt, nil
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

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
