package queue

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waitline/waitline/errors"
	wltesting "github.com/waitline/waitline/internal/testing"
)

func storeTicket(shopID, queueID, customerID, number string, position int) *Ticket {
	return &Ticket{
		ID:         "t-" + number,
		ShopID:     shopID,
		QueueID:    queueID,
		CustomerID: customerID,
		Number:     number,
		State:      StateWaiting,
		Priority:   PriorityNormal,
		Position:   position,
		JoinedAt:   time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}
}

func makeQueue(t *testing.T, store *Store, id, shopID string) *Queue {
	t.Helper()
	q := &Queue{ID: id, ShopID: shopID, Name: id}
	require.NoError(t, store.CreateQueue(q))
	return q
}

func TestSaveTicketsInsertAndGet(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	ticket := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	require.NoError(t, store.SaveTickets([]*Ticket{ticket}))
	assert.Equal(t, int64(1), ticket.Version)

	got, err := store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Number, got.Number)
	assert.Equal(t, StateWaiting, got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.JoinedAt.Equal(ticket.JoinedAt))
}

func TestSaveTicketsOptimisticVersion(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	ticket := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	require.NoError(t, store.SaveTickets([]*Ticket{ticket}))

	// A stale copy loses the race.
	stale := ticket.Clone()
	stale.Version = 0
	stale.Position = 9
	err := store.SaveTickets([]*Ticket{stale})
	require.Error(t, err)

	// ...while the current version wins.
	ticket.Position = 2
	require.NoError(t, store.SaveTickets([]*Ticket{ticket}))
	assert.Equal(t, int64(2), ticket.Version)

	got, err := store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Position)
}

func TestSaveTicketsStaleVersionFails(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	ticket := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	require.NoError(t, store.SaveTickets([]*Ticket{ticket}))
	require.NoError(t, store.SaveTickets([]*Ticket{ticket})) // now version 2

	stale := ticket.Clone()
	stale.Version = 1
	err := store.SaveTickets([]*Ticket{stale})
	assert.True(t, errors.Is(err, errors.ErrIllegalState))
}

func TestSaveTicketsAllOrNothing(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	a := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	require.NoError(t, store.SaveTickets([]*Ticket{a}))

	// Batch of a valid update plus a duplicate number insert: nothing lands.
	aCopy := a.Clone()
	aCopy.Position = 5
	dup := storeTicket("shop1", "q1", "C2", "Q-260310-001", 2)

	err := store.SaveTickets([]*Ticket{aCopy, dup})
	require.Error(t, err)
	assert.Equal(t, int64(1), aCopy.Version)

	got, err := store.GetTicket(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Position)

	_, err = store.GetTicket(dup.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSaveTicketsRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	store := NewStore(conn)

	good := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	good.Version = 1
	bad := storeTicket("shop1", "q1", "C2", "Q-260310-002", 2)
	bad.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tickets SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tickets SET").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = store.SaveTickets([]*Ticket{good, bad})
	require.Error(t, err)
	// Versions untouched after rollback.
	assert.Equal(t, int64(1), good.Version)
	assert.Equal(t, int64(1), bad.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActive(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")
	makeQueue(t, store, "q2", "shop2")

	waiting := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

	called := storeTicket("shop1", "q1", "C2", "Q-260310-002", 2)
	called.State = StateCalled
	called.CalledAt = &now

	done := storeTicket("shop1", "q1", "C3", "Q-260310-003", 0)
	done.State = StateServed
	done.CompletedAt = &now

	other := storeTicket("shop2", "q2", "C4", "Q-260310-001", 1)

	require.NoError(t, store.SaveTickets([]*Ticket{waiting, called, done, other}))

	active, err := store.ListActive("shop1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Q-260310-001", active[0].Number)
	assert.Equal(t, "Q-260310-002", active[1].Number)
	require.NotNil(t, active[1].CalledAt)
}

func TestListRecentCompleted(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mk := func(number string, completed time.Time) *Ticket {
		tk := storeTicket("shop1", "q1", "cust-"+number, number, 0)
		tk.State = StateServed
		tk.CompletedAt = &completed
		return tk
	}
	recent := mk("Q-260310-001", base.Add(-10*time.Minute))
	old := mk("Q-260310-002", base.Add(-3*time.Hour))
	require.NoError(t, store.SaveTickets([]*Ticket{recent, old}))

	got, err := store.ListRecentCompleted("shop1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.Number, got[0].Number)
}

func TestCountJoinedOnDay(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	makeQueue(t, store, "q1", "shop1")

	day := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)

	today := storeTicket("shop1", "q1", "C1", "Q-260310-001", 1)
	today.JoinedAt = day
	tomorrow := storeTicket("shop1", "q1", "C2", "Q-260311-001", 2)
	tomorrow.JoinedAt = day.Add(20 * time.Minute)
	require.NoError(t, store.SaveTickets([]*Ticket{today, tomorrow}))

	n, err := store.CountJoinedOnDay("shop1", day)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountJoinedOnDay("shop1", day.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueCRUD(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)

	q := &Queue{ID: "q1", ShopID: "shop1", Name: "main", MaxCapacity: 10}
	require.NoError(t, store.CreateQueue(q))
	assert.Equal(t, QueueOpen, q.Status)

	got, err := store.GetQueue("q1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, 10, got.MaxCapacity)

	got.Status = QueuePaused
	require.NoError(t, store.SaveQueueStatus(got))

	reread, err := store.GetQueue("q1")
	require.NoError(t, err)
	assert.Equal(t, QueuePaused, reread.Status)

	_, err = store.GetQueue("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	list, err := store.ListQueues("shop1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateWaiting, StateCalled, true},
		{StateWaiting, StateCancelled, true},
		{StateWaiting, StateServing, false},
		{StateCalled, StateServing, true},
		{StateCalled, StateSkipped, true},
		{StateCalled, StateCancelled, true},
		{StateCalled, StateServed, false},
		{StateServing, StateServed, true},
		{StateServing, StateCancelled, false},
		{StateServed, StateWaiting, false},
		{StateSkipped, StateCalled, false},
		{StateCancelled, StateWaiting, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	for _, s := range []State{StateServed, StateSkipped, StateCancelled} {
		assert.True(t, s.Terminal())
	}
	assert.True(t, StateCalled.InLine())
	assert.False(t, StateServing.InLine())
	assert.True(t, StateServing.Active())
}

func TestFormatNumber(t *testing.T) {
	day := time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "Q-260310-001", FormatNumber(day, 1))
	assert.Equal(t, "Q-260310-042", FormatNumber(day, 42))
	assert.Equal(t, "Q-260310-123", FormatNumber(day, 123))
}
