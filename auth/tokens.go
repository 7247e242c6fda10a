package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/errors"
)

type token struct {
	userID    string
	expiresAt time.Time
}

// Tokens is the in-memory bearer token table. Tokens are opaque random
// strings with an expiry; they resolve to a user id.
type Tokens struct {
	tokens sync.Map
	expiry time.Duration
	clock  clock.Clock
}

// NewTokens creates a token table.
func NewTokens(expiry time.Duration, clk clock.Clock) *Tokens {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Tokens{expiry: expiry, clock: clk}
}

// Issue mints a token for the user.
func (t *Tokens) Issue(userID string) (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "failed to generate bearer token")
	}
	tok := hex.EncodeToString(bytes)
	t.tokens.Store(tok, &token{
		userID:    userID,
		expiresAt: t.clock.Now().Add(t.expiry),
	})
	return tok, nil
}

// Resolve returns the user id a live token belongs to.
func (t *Tokens) Resolve(tok string) (string, error) {
	val, ok := t.tokens.Load(tok)
	if !ok {
		return "", errors.Wrap(errors.ErrUnauthorized, "unknown token")
	}
	entry := val.(*token)
	if t.clock.Now().After(entry.expiresAt) {
		t.tokens.Delete(tok)
		return "", errors.Wrap(errors.ErrUnauthorized, "token expired")
	}
	return entry.userID, nil
}

// Revoke invalidates a token.
func (t *Tokens) Revoke(tok string) {
	t.tokens.Delete(tok)
}

// Sweep drops expired tokens.
func (t *Tokens) Sweep() {
	now := t.clock.Now()
	t.tokens.Range(func(key, value interface{}) bool {
		if now.After(value.(*token).expiresAt) {
			t.tokens.Delete(key)
		}
		return true
	})
}
