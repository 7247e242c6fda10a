package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waitline/waitline/appointment"
	"github.com/waitline/waitline/auth"
	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/history"
	"github.com/waitline/waitline/hub"
	wltesting "github.com/waitline/waitline/internal/testing"
	"github.com/waitline/waitline/predict"
	"github.com/waitline/waitline/queue"
	"github.com/waitline/waitline/scheduler"
)

type notifyRecorder struct {
	mu       sync.Mutex
	acks     [][2]string
	notifies [][2]string
}

func (a *notifyRecorder) Acknowledge(id, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, [2]string{id, userID})
	return nil
}

func (a *notifyRecorder) Notify(userID, kind string, _ interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifies = append(a.notifies, [2]string{userID, kind})
	return nil
}

func (a *notifyRecorder) allAcks() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]string(nil), a.acks...)
}

func (a *notifyRecorder) allNotifies() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]string(nil), a.notifies...)
}

type fixture struct {
	gw       *Gateway
	srv      *httptest.Server
	store    *queue.Store
	appts    *appointment.Store
	registry *queue.Registry
	tokens   *auth.Tokens
	acks     *notifyRecorder
	clk      *clock.Fake
}

// newFixture builds a gateway over a seeded in-memory core: one Lisbon shop
// with an open queue, an employee of that shop, a Lisbon customer, a Porto
// customer, and a deactivated user.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := wltesting.CreateTestDB(t)
	store := queue.NewStore(conn)
	hist := history.NewStore(conn)
	logger := zap.NewNop().Sugar()
	h := hub.New(logger)
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))

	registry := queue.NewRegistry(queue.Config{}, store, hist,
		predict.New(predict.Config{}), h, clk, logger)
	t.Cleanup(registry.StopAll)

	require.NoError(t, store.CreateShop(&queue.Shop{ID: "shop1", Name: "Main St", City: "Lisbon"}))
	require.NoError(t, store.CreateQueue(&queue.Queue{ID: "q1", ShopID: "shop1", Name: "walk-ins", Status: queue.QueueOpen}))

	users := auth.NewUserStore(conn)
	for _, u := range []*auth.User{
		{ID: "emp1", Role: auth.RoleEmployee, ShopID: "shop1", Active: true},
		{ID: "cust1", Role: auth.RoleCustomer, City: "Lisbon", Active: true},
		{ID: "cust2", Role: auth.RoleCustomer, City: "Porto", Active: true},
		{ID: "ghost", Role: auth.RoleCustomer, City: "Lisbon", Active: false},
	} {
		require.NoError(t, users.Create(u))
	}

	tokens := auth.NewTokens(time.Hour, clk)
	acks := &notifyRecorder{}
	appts := appointment.NewStore(conn)
	sched := scheduler.New(scheduler.Config{}, appts, registry, store, hist, clk, logger)

	gw := New(Config{MaxDenials: 2}, h, registry, store, users, tokens, acks, sched, conn, clk, logger)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gw.Stop(ctx)
	})

	return &fixture{gw: gw, srv: srv, store: store, appts: appts, registry: registry, tokens: tokens, acks: acks, clk: clk}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.tokens.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, rawQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?" + rawQuery
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads and decodes the next text frame.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	raw, err = decodeFrame(raw)
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// readClose reads until the connection closes, returning the close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close error, got %v", err)
			return closeErr.Code
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteJSON(msg))
}

func TestRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token=not-a-token")
	assert.Equal(t, CloseInvalidToken, readClose(t, conn))
}

func TestRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	assert.Equal(t, CloseInvalidToken, readClose(t, conn))
}

func TestRejectsInactiveUser(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "ghost"))
	assert.Equal(t, CloseInactiveUser, readClose(t, conn))
}

func TestWelcomeThenPingPong(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))

	welcome := readFrame(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, "cust1", welcome["user_id"])
	assert.NotEmpty(t, welcome["session_id"])

	send(t, conn, map[string]string{"type": "ping", "timestamp": "t-123"})
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "t-123", pong["timestamp"])
}

func TestSubscribeDeliversSnapshotThenEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]interface{}{"type": "subscribe", "groups": []string{"queue:q1"}})

	state := readFrame(t, conn)
	require.Equal(t, "queue_state", state["type"])
	payload := state["payload"].(map[string]interface{})
	assert.Equal(t, "q1", payload["queue_id"])
	assert.Equal(t, float64(0), payload["waiting_count"])

	// A mutation on the engine fans out to the subscriber.
	engine, err := f.registry.Engine("shop1")
	require.NoError(t, err)
	_, err = engine.Join(context.Background(), queue.JoinRequest{QueueID: "q1", CustomerID: "walkin1"})
	require.NoError(t, err)

	update := readFrame(t, conn)
	assert.Equal(t, "queue_update", update["type"])
	assert.Equal(t, "join", update["action"])
	ticket := update["payload"].(map[string]interface{})["ticket"].(map[string]interface{})
	assert.Equal(t, "walkin1", ticket["customer_id"])
	assert.Equal(t, float64(1), ticket["position"])
}

func TestRepeatedDenialsCloseWithForbiddenGroup(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust2")) // Porto customer
	readFrame(t, conn)                              // welcome

	// MaxDenials is 2: the first denial is an error frame, the second
	// closes the connection.
	send(t, conn, map[string]interface{}{"type": "subscribe", "groups": []string{"queue:q1"}})
	denied := readFrame(t, conn)
	assert.Equal(t, "error", denied["type"])
	assert.Equal(t, "forbidden_group", denied["code"])

	send(t, conn, map[string]interface{}{"type": "subscribe", "groups": []string{"queue:q1"}})
	assert.Equal(t, CloseForbiddenGroup, readClose(t, conn))
}

func TestCustomerCannotCallNext(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "call_next", "queue_id": "q1"})
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "forbidden", reply["code"])
}

func TestEmployeeJoinThenCallNext(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "emp1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "join_queue", "queue_id": "q1", "customer_id": "walkin1"})
	joined := readFrame(t, conn)
	require.Equal(t, "ticket_update", joined["type"])
	assert.Equal(t, "join", joined["action"])
	ticket := joined["payload"].(map[string]interface{})
	assert.Equal(t, "walkin1", ticket["customer_id"])
	assert.Equal(t, "waiting", ticket["state"])

	send(t, conn, map[string]string{"type": "call_next", "queue_id": "q1", "specialist_id": "alice"})
	called := readFrame(t, conn)
	require.Equal(t, "ticket_update", called["type"])
	assert.Equal(t, "call", called["action"])
	assert.Equal(t, "called", called["payload"].(map[string]interface{})["state"])

	// Calling a ticket pushes a personal notification to its customer.
	assert.Contains(t, f.acks.allNotifies(), [2]string{"walkin1", "ticket_called"})
}

func TestCallNextPrefersDueAppointment(t *testing.T) {
	f := newFixture(t)

	engine, err := f.registry.Engine("shop1")
	require.NoError(t, err)
	_, err = engine.Join(context.Background(), queue.JoinRequest{QueueID: "q1", CustomerID: "walkin1"})
	require.NoError(t, err)

	// An appointment starting within the lookahead window outranks the
	// waiting walk-in.
	appt := &appointment.Appointment{
		ShopID:         "shop1",
		CustomerID:     "booked1",
		ServiceID:      "cut",
		ScheduledStart: f.clk.Now().Add(10 * time.Minute),
		ScheduledEnd:   f.clk.Now().Add(40 * time.Minute),
	}
	require.NoError(t, f.appts.Create(appt))

	conn := f.dial(t, "token="+f.token(t, "emp1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "call_next", "queue_id": "q1"})
	reply := readFrame(t, conn)
	require.Equal(t, "appointment_due", reply["type"])
	assert.Equal(t, appt.ID, reply["appointment_id"])
	assert.Equal(t, "booked1", reply["customer_id"])

	// The walk-in was not called.
	snap, err := engine.Snapshot(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.WaitingCount)
	assert.Equal(t, 0, snap.CalledCount)
}

func TestCustomerCancelsOnlyOwnTicket(t *testing.T) {
	f := newFixture(t)

	engine, err := f.registry.Engine("shop1")
	require.NoError(t, err)
	mine, err := engine.Join(context.Background(), queue.JoinRequest{QueueID: "q1", CustomerID: "cust1"})
	require.NoError(t, err)
	other, err := engine.Join(context.Background(), queue.JoinRequest{QueueID: "q1", CustomerID: "someone-else"})
	require.NoError(t, err)

	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "cancel_ticket", "ticket_id": other.ID})
	denied := readFrame(t, conn)
	assert.Equal(t, "error", denied["type"])
	assert.Equal(t, "forbidden", denied["code"])

	send(t, conn, map[string]string{"type": "cancel_ticket", "ticket_id": mine.ID})
	cancelled := readFrame(t, conn)
	assert.Equal(t, "ticket_update", cancelled["type"])
	assert.Equal(t, "cancel", cancelled["action"])
}

func TestGetQueueState(t *testing.T) {
	f := newFixture(t)

	engine, err := f.registry.Engine("shop1")
	require.NoError(t, err)
	_, err = engine.Join(context.Background(), queue.JoinRequest{QueueID: "q1", CustomerID: "walkin1"})
	require.NoError(t, err)

	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "get_queue_state", "queue_id": "q1"})
	state := readFrame(t, conn)
	require.Equal(t, "queue_state", state["type"])
	payload := state["payload"].(map[string]interface{})
	assert.Equal(t, float64(1), payload["waiting_count"])
	assert.Len(t, payload["tickets"], 1)
}

func TestAcknowledgeNotification(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "acknowledge_notification", "notification_id": "n1"})

	require.Eventually(t, func() bool {
		return len(f.acks.allAcks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [2]string{"n1", "cust1"}, f.acks.allAcks()[0])
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	send(t, conn, map[string]string{"type": "make_coffee"})
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "invalid_request", reply["code"])
}

func TestMalformedFrameClosesWithProtocolError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token="+f.token(t, "cust1"))
	readFrame(t, conn) // welcome

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, CloseProtocolError, readClose(t, conn))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotNil(t, body["version"])
}
