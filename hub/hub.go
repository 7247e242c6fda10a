// Package hub routes queue state-change events to subscribed sessions.
//
// Delivery is at-least-once and per-session ordered: events published for a
// single queue under the engine's serialization are enqueued to each member
// session in that same total order. A slow session overflows its bounded
// buffer, has the buffer cleared, and receives a single resync_required
// event; the client is expected to request a fresh snapshot.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session is one live subscriber connection's view of the hub. The owner
// (the gateway) drains Outbound() with a single reader goroutine.
type Session struct {
	ID       string
	UserID   string
	Platform string // opaque client platform flag

	out     chan Event
	mu      sync.Mutex
	lastAck time.Time
	closed  bool
}

// NewSession creates a session with a bounded outbound buffer.
func NewSession(id, userID, platform string, bufferDepth int) *Session {
	if bufferDepth <= 0 {
		bufferDepth = 256
	}
	return &Session{
		ID:       id,
		UserID:   userID,
		Platform: platform,
		out:      make(chan Event, bufferDepth),
	}
}

// Outbound returns the channel the session owner drains for delivery.
func (s *Session) Outbound() <-chan Event {
	return s.out
}

// Ack records the client's last acknowledgement time.
func (s *Session) Ack(t time.Time) {
	s.mu.Lock()
	s.lastAck = t
	s.mu.Unlock()
}

// LastAck returns the last acknowledgement time.
func (s *Session) LastAck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// enqueue appends an event to the session's buffer. On overflow the buffer
// is cleared and a single resync_required event takes its place.
func (s *Session) enqueue(ev Event) (overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.out <- ev:
		return false
	default:
	}

	// Buffer full: drop everything pending, tell the client to resync.
	// Draining races with the reader; each pending event goes to exactly
	// one side, which is fine because all of them are being discarded.
	for {
		select {
		case <-s.out:
		default:
			select {
			case s.out <- Event{Type: TypeResyncRequired, TS: ev.TS}:
			default:
			}
			return true
		}
	}
}

// close marks the session closed and closes the outbound channel.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// Hub owns the subscriber membership tables.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*Session]bool
	sessions map[*Session]map[string]bool

	logger    *zap.SugaredLogger
	overflows int64
}

// New creates an empty hub.
func New(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		groups:   make(map[string]map[*Session]bool),
		sessions: make(map[*Session]map[string]bool),
		logger:   logger,
	}
}

// Subscribe adds the session to a group's membership.
func (h *Hub) Subscribe(session *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Session]bool)
		h.groups[group] = members
	}
	members[session] = true

	groups, ok := h.sessions[session]
	if !ok {
		groups = make(map[string]bool)
		h.sessions[session] = groups
	}
	groups[group] = true

	h.logger.Debugw("Session subscribed",
		"session_id", session.ID,
		"group", group,
		"members", len(members),
	)
}

// Unsubscribe removes the session from one group.
func (h *Hub) Unsubscribe(session *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(session, group)
}

// UnsubscribeAll removes the session from every group and closes its
// outbound channel. Idempotent; called on disconnect.
func (h *Hub) UnsubscribeAll(session *Session) {
	h.mu.Lock()
	for group := range h.sessions[session] {
		h.removeLocked(session, group)
	}
	delete(h.sessions, session)
	h.mu.Unlock()

	session.close()
}

func (h *Hub) removeLocked(session *Session, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.sessions[session]; ok {
		delete(groups, group)
	}
}

// Groups returns the groups a session is currently subscribed to.
func (h *Hub) Groups(session *Session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions[session]))
	for g := range h.sessions[session] {
		out = append(out, g)
	}
	return out
}

// Publish enqueues the event for every current member of the group.
// Enqueueing never blocks the caller; slow sessions overflow to resync.
func (h *Hub) Publish(group string, event Event) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.groups[group]))
	for s := range h.groups[group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if s.enqueue(event) {
			h.mu.Lock()
			h.overflows++
			total := h.overflows
			h.mu.Unlock()
			h.logger.Warnw("Session buffer overflow, queued resync_required",
				"session_id", s.ID,
				"group", group,
				"total_overflows", total,
			)
		}
	}
}

// MemberCount returns the current size of a group.
func (h *Hub) MemberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
