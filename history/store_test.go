package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waitline/waitline/errors"
	wltesting "github.com/waitline/waitline/internal/testing"
)

func sampleAt(shopID string, observed time.Time, duration float64) Sample {
	return Sample{
		ShopID:          shopID,
		Hour:            observed.Hour(),
		Weekday:         int(observed.Weekday()),
		DurationMinutes: duration,
		ObservedAt:      observed,
	}
}

func TestInsertRejectsOutOfRangeDuration(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	now := time.Now().UTC()

	for _, bad := range []float64{0, -5, 180, 240} {
		err := store.Insert(sampleAt("shop1", now, bad))
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "duration %.0f", bad)
	}
}

func TestInsertIgnoresDuplicateTicket(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	now := time.Now().UTC()

	s := sampleAt("shop1", now, 20)
	s.TicketID = "t1"
	require.NoError(t, store.Insert(s))

	s.DurationMinutes = 45
	require.NoError(t, store.Insert(s))

	snap, err := store.Snapshot("shop1", now, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Base.Count)
	assert.Equal(t, 20.0, snap.Base.Mean)
}

func TestSnapshotAggregates(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC) // Tuesday 14:00

	// Two recent samples inside the last hour, one older sample, and one
	// outside the history window entirely.
	recent := sampleAt("shop1", now.Add(-30*time.Minute), 10)
	recent.ServiceID = "haircut"
	recent.SpecialistID = "alice"
	require.NoError(t, store.Insert(recent))

	recent2 := sampleAt("shop1", now.Add(-10*time.Minute), 20)
	recent2.ServiceID = "haircut"
	require.NoError(t, store.Insert(recent2))

	older := sampleAt("shop1", now.Add(-48*time.Hour), 30)
	require.NoError(t, store.Insert(older))

	ancient := sampleAt("shop1", now.AddDate(0, 0, -40), 60)
	require.NoError(t, store.Insert(ancient))

	snap, err := store.Snapshot("shop1", now, 30)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.Base.Count)
	assert.InDelta(t, 20.0, snap.Base.Mean, 0.001)

	assert.Equal(t, 2, snap.LastHour.Count)
	assert.InDelta(t, 15.0, snap.LastHour.Mean, 0.001)

	require.Contains(t, snap.ByService, "haircut")
	assert.Equal(t, 2, snap.ByService["haircut"].Count)

	require.Contains(t, snap.BySpecialist, "alice")
	assert.Equal(t, 1, snap.BySpecialist["alice"].Count)

	// Recent samples landed at 13:xx, the older one at 14:00 two days back.
	require.Contains(t, snap.ByHour, 13)
	assert.Equal(t, 2, snap.ByHour[13].Count)
}

func TestSnapshotIsolatesShops(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	now := time.Now().UTC()

	require.NoError(t, store.Insert(sampleAt("shop1", now.Add(-time.Minute), 10)))
	require.NoError(t, store.Insert(sampleAt("shop2", now.Add(-time.Minute), 99)))

	snap, err := store.Snapshot("shop1", now, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Base.Count)
	assert.Equal(t, 10.0, snap.Base.Mean)
}

func TestLastDurationsNewestFirst(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := NewStore(conn)
	now := time.Now().UTC()

	for i, d := range []float64{10, 20, 30} {
		require.NoError(t, store.Insert(sampleAt("shop1", now.Add(time.Duration(i)*time.Minute), d)))
	}

	out, err := store.LastDurations("shop1", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{30, 20}, out)
}

func TestAggregateStdDev(t *testing.T) {
	agg := aggregate([]float64{10, 20, 30})
	assert.Equal(t, 3, agg.Count)
	assert.InDelta(t, 20.0, agg.Mean, 0.001)
	assert.InDelta(t, 8.1649, agg.StdDev, 0.001)

	assert.Equal(t, Aggregate{}, aggregate(nil))
}
