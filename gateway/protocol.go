package gateway

import (
	"time"

	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/hub"
)

// WebSocket timeout defaults following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound payloads above this size are zlib-compressed when the
	// client opted in with ?compression=true
	compressThreshold = 1024
)

// Application close codes sent in the WebSocket close frame.
const (
	CloseProtocolError  = 4000
	CloseInvalidToken   = 4001
	CloseInactiveUser   = 4002
	CloseForbiddenGroup = 4003
	CloseServerError    = 4500
)

// Inbound is the single envelope for client messages. Type selects which of
// the optional fields are meaningful.
type Inbound struct {
	Type string `json:"type"`

	// ping
	Timestamp string `json:"timestamp,omitempty"`

	// join_queue, call_next, get_queue_state
	QueueID string `json:"queue_id,omitempty"`

	// join_queue
	CustomerID string `json:"customer_id,omitempty"`
	ServiceID  string `json:"service_id,omitempty"`

	// call_next, mark_serving
	SpecialistID string `json:"specialist_id,omitempty"`

	// mark_serving, mark_served, cancel_ticket
	TicketID string `json:"ticket_id,omitempty"`

	// subscribe, unsubscribe
	Groups []string `json:"groups,omitempty"`

	// acknowledge_notification
	NotificationID string `json:"notification_id,omitempty"`
}

// Inbound message types.
const (
	msgPing          = "ping"
	msgJoinQueue     = "join_queue"
	msgCallNext      = "call_next"
	msgMarkServing   = "mark_serving"
	msgMarkServed    = "mark_served"
	msgCancelTicket  = "cancel_ticket"
	msgGetQueueState = "get_queue_state"
	msgSubscribe     = "subscribe"
	msgUnsubscribe   = "unsubscribe"
	msgAcknowledge   = "acknowledge_notification"
)

// welcomeMessage is the first frame after a successful upgrade.
type welcomeMessage struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	ServerTime time.Time `json:"server_time"`
}

// pongMessage echoes the client's heartbeat timestamp.
type pongMessage struct {
	Type      string    `json:"type"`
	Timestamp string    `json:"timestamp,omitempty"`
	TS        time.Time `json:"ts"`
}

// appointmentDueMessage answers call_next when a scheduled appointment
// outranks the walk-in line. Staff are expected to serve the appointment
// rather than call a ticket.
type appointmentDueMessage struct {
	Type           string    `json:"type"`
	AppointmentID  string    `json:"appointment_id"`
	CustomerID     string    `json:"customer_id"`
	SpecialistID   string    `json:"specialist_id,omitempty"`
	ScheduledStart time.Time `json:"scheduled_start"`
}

// errorMessage carries a machine-readable code plus a human message.
type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newError(err error) errorMessage {
	return errorMessage{
		Type:    "error",
		Code:    errors.Code(err),
		Message: err.Error(),
	}
}

func newPong(timestamp string, now time.Time) pongMessage {
	return pongMessage{Type: "pong", Timestamp: timestamp, TS: now}
}

func newWelcome(sessionID, userID string, now time.Time) welcomeMessage {
	return welcomeMessage{
		Type:       "welcome",
		SessionID:  sessionID,
		UserID:     userID,
		ServerTime: now,
	}
}

func queueStateEvent(payload interface{}, now time.Time) hub.Event {
	return hub.Event{Type: hub.TypeQueueState, Payload: payload, TS: now}
}
