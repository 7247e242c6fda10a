package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/history"
	"github.com/waitline/waitline/hub"
	wltesting "github.com/waitline/waitline/internal/testing"
	"github.com/waitline/waitline/predict"
	"github.com/waitline/waitline/queue"
)

type recordingSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func (s *recordingSink) Publish(_ string, event hub.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(typ string) []hub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hub.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestSweepAndStatusLoops(t *testing.T) {
	conn := wltesting.CreateTestDB(t)
	store := queue.NewStore(conn)
	hist := history.NewStore(conn)
	sink := &recordingSink{}
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	logger := zap.NewNop().Sugar()

	registry := queue.NewRegistry(queue.Config{}, store, hist,
		predict.New(predict.Config{}), sink, clk, logger)
	t.Cleanup(registry.StopAll)

	ctx := context.Background()
	engine, err := registry.Engine("shop1")
	require.NoError(t, err)
	q, err := engine.CreateQueue(ctx, "main", 0)
	require.NoError(t, err)

	// A ticket stuck in called well past the timeout.
	ticket, err := engine.Join(ctx, queue.JoinRequest{QueueID: q.ID, CustomerID: "C1"})
	require.NoError(t, err)
	_, err = engine.CallNext(ctx, q.ID, "")
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)

	ticker := NewTicker(Config{
		SweepInterval:    10 * time.Millisecond,
		EstimateInterval: 10 * time.Millisecond,
		StatusInterval:   10 * time.Millisecond,
	}, registry, sink, logger)
	ticker.Start()
	t.Cleanup(ticker.Stop)

	require.Eventually(t, func() bool {
		snap, err := engine.Snapshot(ctx, q.ID)
		return err == nil && snap.CalledCount == 0 && snap.WaitingCount == 0
	}, 5*time.Second, 10*time.Millisecond, "stale called ticket should be swept")

	got, err := store.GetTicket(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateSkipped, got.State)

	require.Eventually(t, func() bool {
		return len(sink.byType(hub.TypeStatusUpdate)) > 0
	}, 5*time.Second, 10*time.Millisecond, "status broadcast should fire")

	status := sink.byType(hub.TypeStatusUpdate)[0]
	payload, ok := status.Payload.(statusPayload)
	require.True(t, ok)
	assert.Equal(t, "shop1", payload.ShopID)
	assert.Equal(t, 1, payload.QueueCount)
	assert.False(t, payload.Halted)

	assert.Greater(t, ticker.Ticks(), int64(0))
}
