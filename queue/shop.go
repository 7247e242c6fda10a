package queue

import (
	"database/sql"
	"time"

	"github.com/waitline/waitline/errors"
)

// Shop anchors queues to a city.
type Shop struct {
	ID        string
	Name      string
	City      string
	CreatedAt time.Time
}

// CreateShop persists a shop.
func (s *Store) CreateShop(shop *Shop) error {
	if shop.ID == "" || shop.Name == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "shop requires id and name")
	}
	shop.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		"INSERT INTO shops (id, name, city, created_at) VALUES (?, ?, ?, ?)",
		shop.ID, shop.Name, shop.City, formatTime(shop.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert shop")
	}
	return nil
}

// GetShop fetches one shop.
func (s *Store) GetShop(id string) (*Shop, error) {
	var shop Shop
	var createdAt string
	err := s.db.QueryRow(
		"SELECT id, name, city, created_at FROM shops WHERE id = ?", id,
	).Scan(&shop.ID, &shop.Name, &shop.City, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "shop %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shop")
	}
	if shop.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &shop, nil
}
