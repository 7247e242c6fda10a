// Package notify queues outbound notifications, delivers them through a
// pluggable transport with rate limiting and retries, and records
// acknowledgements.
package notify

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waitline/waitline/errors"
)

// Status is a notification's delivery state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Notification is one outbound message to a user.
type Notification struct {
	ID     string
	UserID string
	// Kind names the event, e.g. "ticket_called".
	Kind string
	// Payload is an opaque JSON document for the client.
	Payload        string
	Status         Status
	Attempts       int
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	AcknowledgedAt *time.Time
}

// Store is the durable notification store.
type Store struct {
	db *sql.DB
}

// NewStore creates a notification store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a pending notification. A missing ID is generated.
func (s *Store) Create(n *Notification) error {
	if n.UserID == "" || n.Kind == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "notification requires user and kind")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Payload == "" {
		n.Payload = "{}"
	}
	n.Status = StatusPending
	n.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO notifications (id, user_id, kind, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.UserID, n.Kind, n.Payload, string(n.Status),
		n.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert notification")
	}
	return nil
}

// GetByID fetches one notification.
func (s *Store) GetByID(id string) (*Notification, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, kind, payload, status, attempts,
		       created_at, delivered_at, acknowledged_at
		FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "notification %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get notification")
	}
	return n, nil
}

// ListPending returns pending notifications oldest first, used to resume
// delivery after a restart.
func (s *Store) ListPending(limit int) ([]*Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, payload, status, attempts,
		       created_at, delivered_at, acknowledged_at
		FROM notifications WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkDelivered records a successful delivery.
func (s *Store) MarkDelivered(id string, at time.Time, attempts int) error {
	return s.mark(id,
		"UPDATE notifications SET status = 'delivered', attempts = ?, delivered_at = ? WHERE id = ?",
		attempts, at.UTC().Format(time.RFC3339), id)
}

// MarkFailed records delivery exhaustion.
func (s *Store) MarkFailed(id string, attempts int) error {
	return s.mark(id,
		"UPDATE notifications SET status = 'failed', attempts = ? WHERE id = ?",
		attempts, id)
}

// Acknowledge records the user's acknowledgement. Only the addressee may
// acknowledge, and only delivered or pending notifications.
func (s *Store) Acknowledge(id, userID string, at time.Time) error {
	n, err := s.GetByID(id)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return errors.Wrapf(errors.ErrForbidden,
			"notification %s does not belong to user %s", id, userID)
	}
	if n.Status == StatusFailed {
		return errors.Wrapf(errors.ErrIllegalState, "notification %s failed delivery", id)
	}
	if n.Status == StatusAcknowledged {
		return nil
	}
	return s.mark(id,
		"UPDATE notifications SET status = 'acknowledged', acknowledged_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339), id)
}

func (s *Store) mark(id, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update notification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check notification update")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "notification %s", id)
	}
	return nil
}

func scanNotification(row interface {
	Scan(dest ...interface{}) error
}) (*Notification, error) {
	var n Notification
	var status, createdAt string
	var deliveredAt, acknowledgedAt sql.NullString

	err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Payload, &status, &n.Attempts,
		&createdAt, &deliveredAt, &acknowledgedAt)
	if err != nil {
		return nil, err
	}
	n.Status = Status(status)
	if n.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at %q", createdAt)
	}
	if deliveredAt.Valid {
		t, err := time.Parse(time.RFC3339, deliveredAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse delivered_at %q", deliveredAt.String)
		}
		n.DeliveredAt = &t
	}
	if acknowledgedAt.Valid {
		t, err := time.Parse(time.RFC3339, acknowledgedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse acknowledged_at %q", acknowledgedAt.String)
		}
		n.AcknowledgedAt = &t
	}
	return &n, nil
}
