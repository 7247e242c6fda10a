// Package auth resolves bearer tokens to users and stores the user records
// the gateway authorizes against.
package auth

import (
	"database/sql"
	"time"

	"github.com/waitline/waitline/errors"
)

// Role partitions users for subscription authorization.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleEmployee, RoleAdmin:
		return true
	}
	return false
}

// User is one authenticated principal.
type User struct {
	ID   string
	Role Role
	// City scopes customers to shops in their city.
	City string
	// ShopID binds employees to their shop.
	ShopID    string
	Active    bool
	CreatedAt time.Time
}

// UserStore is the durable user record store.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create persists a user.
func (s *UserStore) Create(u *User) error {
	if u.ID == "" || !u.Role.Valid() {
		return errors.Wrap(errors.ErrInvalidRequest, "user requires id and a valid role")
	}
	u.CreatedAt = time.Now().UTC()

	active := 0
	if u.Active {
		active = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, role, city, shop_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, string(u.Role), u.City, nullable(u.ShopID), active,
		u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert user")
	}
	return nil
}

// GetByID fetches one user.
func (s *UserStore) GetByID(id string) (*User, error) {
	var u User
	var role, createdAt string
	var shopID sql.NullString
	var active int

	err := s.db.QueryRow(`
		SELECT id, role, city, shop_id, active, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &role, &u.City, &shopID, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "user %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}

	u.Role = Role(role)
	u.ShopID = shopID.String
	u.Active = active != 0
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse user created_at %q", createdAt)
	}
	return &u, nil
}

// SetActive flips a user's active flag.
func (s *UserStore) SetActive(id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.Exec("UPDATE users SET active = ? WHERE id = ?", flag, id)
	if err != nil {
		return errors.Wrap(err, "failed to update user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check user update")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "user %s", id)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
