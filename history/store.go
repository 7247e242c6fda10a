package history

import (
	"database/sql"
	"time"

	"github.com/waitline/waitline/errors"
)

// Store persists service time samples. The log is append-only: samples are
// inserted once and never mutated.
type Store struct {
	db *sql.DB
}

// NewStore creates a sample store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends one sample. Out-of-range durations are rejected. A sample
// whose ticket has already been recorded is silently ignored, which keeps
// replayed completions from double-counting.
func (s *Store) Insert(sample Sample) error {
	if !sample.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"sample duration %.1f outside (0, %d)", sample.DurationMinutes, MaxSampleMinutes)
	}
	if sample.Hour < 0 || sample.Hour > 23 {
		return errors.Wrapf(errors.ErrInvalidRequest, "sample hour %d outside 0-23", sample.Hour)
	}
	if sample.Weekday < 0 || sample.Weekday > 6 {
		return errors.Wrapf(errors.ErrInvalidRequest, "sample weekday %d outside 0-6", sample.Weekday)
	}

	query := `
		INSERT INTO service_time_samples (
			shop_id, service_id, specialist_id, ticket_id,
			hour, weekday, duration_minutes, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO NOTHING
	`

	_, err := s.db.Exec(query,
		sample.ShopID,
		nullable(sample.ServiceID),
		nullable(sample.SpecialistID),
		nullable(sample.TicketID),
		sample.Hour,
		sample.Weekday,
		sample.DurationMinutes,
		sample.ObservedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert service time sample")
	}
	return nil
}

// Snapshot aggregates the shop's samples over the trailing window ending at
// now. historyDays bounds the window; the LastHour aggregate covers the 60
// minutes before now.
func (s *Store) Snapshot(shopID string, now time.Time, historyDays int) (*Snapshot, error) {
	cutoff := now.AddDate(0, 0, -historyDays)

	query := `
		SELECT service_id, specialist_id, hour, weekday, duration_minutes, observed_at
		FROM service_time_samples
		WHERE shop_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`

	rows, err := s.db.Query(query,
		shopID,
		cutoff.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query service time samples")
	}
	defer rows.Close()

	var all []float64
	byHour := make(map[int][]float64)
	byWeekday := make(map[int][]float64)
	byService := make(map[string][]float64)
	bySpecialist := make(map[string][]float64)
	var lastHour []float64
	hourAgo := now.Add(-time.Hour)

	for rows.Next() {
		var serviceID, specialistID sql.NullString
		var hour, weekday int
		var duration float64
		var observedAt string
		if err := rows.Scan(&serviceID, &specialistID, &hour, &weekday, &duration, &observedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan sample")
		}

		all = append(all, duration)
		byHour[hour] = append(byHour[hour], duration)
		byWeekday[weekday] = append(byWeekday[weekday], duration)
		if serviceID.Valid {
			byService[serviceID.String] = append(byService[serviceID.String], duration)
		}
		if specialistID.Valid {
			bySpecialist[specialistID.String] = append(bySpecialist[specialistID.String], duration)
		}

		observed, err := time.Parse(time.RFC3339, observedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse observed_at %q", observedAt)
		}
		if !observed.Before(hourAgo) {
			lastHour = append(lastHour, duration)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate samples")
	}

	snap := &Snapshot{
		ShopID:       shopID,
		Base:         aggregate(all),
		ByHour:       make(map[int]Aggregate, len(byHour)),
		ByWeekday:    make(map[int]Aggregate, len(byWeekday)),
		ByService:    make(map[string]Aggregate, len(byService)),
		BySpecialist: make(map[string]Aggregate, len(bySpecialist)),
		LastHour:     aggregate(lastHour),
	}
	for h, ds := range byHour {
		snap.ByHour[h] = aggregate(ds)
	}
	for d, ds := range byWeekday {
		snap.ByWeekday[d] = aggregate(ds)
	}
	for id, ds := range byService {
		snap.ByService[id] = aggregate(ds)
	}
	for id, ds := range bySpecialist {
		snap.BySpecialist[id] = aggregate(ds)
	}

	return snap, nil
}

// LastDurations returns the most recent sample durations for a shop, newest
// first, capped at limit. The scheduler averages these for gap filling.
func (s *Store) LastDurations(shopID string, limit int) ([]float64, error) {
	query := `
		SELECT duration_minutes
		FROM service_time_samples
		WHERE shop_id = ?
		ORDER BY observed_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, shopID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent durations")
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "failed to scan duration")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
