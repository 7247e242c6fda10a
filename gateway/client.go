package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waitline/waitline/auth"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/queue"
	"github.com/waitline/waitline/scheduler"
)

// Client is one authenticated WebSocket connection. The read pump parses and
// routes inbound messages; the write pump is the single writer, draining
// direct replies, the session's hub events, and the ping ticker.
type Client struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *hub.Session
	user    *auth.User

	compression bool
	replies     chan interface{}
	done        chan struct{}

	// denials counts rejected subscribe attempts; too many closes the
	// session with 4003.
	denials int

	closeOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, session *hub.Session, user *auth.User, compression bool) *Client {
	return &Client{
		gw:          gw,
		conn:        conn,
		session:     session,
		user:        user,
		compression: compression,
		replies:     make(chan interface{}, 32),
		done:        make(chan struct{}),
	}
}

// closeWith sends an application close frame and tears the connection down.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.gw.logger.Debugw("Close frame write failed",
				"session_id", c.session.ID,
				"error", err.Error(),
			)
		}
		close(c.done)
		c.conn.Close()
	})
}

// reply queues a direct response for the write pump. Drops the frame if the
// connection is going away.
func (c *Client) reply(v interface{}) {
	select {
	case c.replies <- v:
	case <-c.done:
	}
}

func (c *Client) replyError(err error) {
	c.gw.logger.Debugw("Request rejected",
		"session_id", c.session.ID,
		"user_id", c.user.ID,
		"code", errors.Code(err),
	)
	c.reply(newError(err))
}

// readPump reads, parses, and routes inbound messages until the connection
// drops. It owns the read deadline: every pong extends it.
func (c *Client) readPump() {
	defer func() {
		c.gw.hub.UnsubscribeAll(c.session)
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.gw.logger.Warnw("WebSocket read error",
					"session_id", c.session.ID,
					"error", err.Error(),
				)
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.gw.logger.Warnw("Malformed inbound frame",
				"session_id", c.session.ID,
				"error", err.Error(),
			)
			c.closeWith(CloseProtocolError, "malformed message")
			return
		}
		if closed := c.route(&msg); closed {
			return
		}
	}
}

// route dispatches one inbound message. Returns true when the handler closed
// the connection.
func (c *Client) route(msg *Inbound) (closed bool) {
	switch msg.Type {
	case msgPing:
		c.session.Ack(c.gw.clock.Now())
		c.reply(newPong(msg.Timestamp, c.gw.clock.Now()))
	case msgJoinQueue:
		c.handleJoin(msg)
	case msgCallNext:
		c.handleCallNext(msg)
	case msgMarkServing:
		c.handleMarkServing(msg)
	case msgMarkServed:
		c.handleMarkServed(msg)
	case msgCancelTicket:
		c.handleCancel(msg)
	case msgGetQueueState:
		c.handleQueueState(msg)
	case msgSubscribe:
		return c.handleSubscribe(msg)
	case msgUnsubscribe:
		for _, group := range msg.Groups {
			c.gw.hub.Unsubscribe(c.session, group)
		}
	case msgAcknowledge:
		c.handleAcknowledge(msg)
	default:
		c.replyError(errors.Wrapf(errors.ErrInvalidRequest, "unknown message type %q", msg.Type))
	}
	return false
}

// writePump is the sole writer on the connection. It interleaves direct
// replies, fanned-out hub events, and server pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.gw.ctx.Done():
			return

		case v := <-c.replies:
			if !c.write(v) {
				return
			}

		case ev, ok := <-c.session.Outbound():
			if !ok {
				return
			}
			if !c.write(ev) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(v interface{}) bool {
	frame, err := encodeFrame(v, c.compression)
	if err != nil {
		c.gw.logger.Errorw("Outbound frame encode failed",
			"session_id", c.session.ID,
			"error", err.Error(),
		)
		return true // skip the frame, keep the connection
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.gw.logger.Debugw("WebSocket write failed",
			"session_id", c.session.ID,
			"error", err.Error(),
		)
		return false
	}
	return true
}

// engineForQueue resolves a queue id to its owning shop engine.
func (c *Client) engineForQueue(queueID string) (*queue.Engine, *queue.Queue, error) {
	if queueID == "" {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "queue_id is required")
	}
	q, err := c.gw.store.GetQueue(queueID)
	if err != nil {
		return nil, nil, err
	}
	engine, err := c.gw.registry.Engine(q.ShopID)
	if err != nil {
		return nil, nil, err
	}
	return engine, q, nil
}

// engineForTicket resolves a ticket id to its owning shop engine.
func (c *Client) engineForTicket(ticketID string) (*queue.Engine, *queue.Ticket, error) {
	if ticketID == "" {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "ticket_id is required")
	}
	t, err := c.gw.store.GetTicket(ticketID)
	if err != nil {
		return nil, nil, err
	}
	engine, err := c.gw.registry.Engine(t.ShopID)
	if err != nil {
		return nil, nil, err
	}
	return engine, t, nil
}

func (c *Client) handleJoin(msg *Inbound) {
	engine, _, err := c.engineForQueue(msg.QueueID)
	if err != nil {
		c.replyError(err)
		return
	}

	// Customers always join as themselves; staff may join on a walk-in
	// customer's behalf.
	customerID := msg.CustomerID
	if c.user.Role == auth.RoleCustomer || customerID == "" {
		customerID = c.user.ID
	}

	ticket, err := engine.Join(c.gw.ctx, queue.JoinRequest{
		QueueID:      msg.QueueID,
		CustomerID:   customerID,
		ServiceID:    msg.ServiceID,
		SpecialistID: msg.SpecialistID,
	})
	if err != nil {
		c.replyError(err)
		return
	}
	c.reply(hub.Event{
		Type:    hub.TypeTicketUpdate,
		Action:  hub.ActionJoin,
		Payload: ticket.View(),
		TS:      c.gw.clock.Now(),
	})
}

func (c *Client) handleCallNext(msg *Inbound) {
	engine, q, err := c.engineForQueue(msg.QueueID)
	if err != nil {
		c.replyError(err)
		return
	}
	if err := authorizeMutation(c.user, q.ShopID); err != nil {
		c.replyError(err)
		return
	}

	// A due appointment outranks the walk-in line.
	if c.gw.decider != nil {
		decision, err := c.gw.decider.NextToServe(c.gw.ctx, q.ShopID, msg.QueueID, msg.SpecialistID)
		if err != nil {
			c.replyError(err)
			return
		}
		if decision.Kind == scheduler.KindAppointment {
			a := decision.Appointment
			c.reply(appointmentDueMessage{
				Type:           "appointment_due",
				AppointmentID:  a.ID,
				CustomerID:     a.CustomerID,
				SpecialistID:   a.SpecialistID,
				ScheduledStart: a.ScheduledStart,
			})
			return
		}
	}

	ticket, err := engine.CallNext(c.gw.ctx, msg.QueueID, msg.SpecialistID)
	if err != nil {
		c.replyError(err)
		return
	}

	// Tell the customer their turn came up. Delivery is best-effort here;
	// the dispatcher retries on its own.
	if err := c.gw.notifier.Notify(ticket.CustomerID, "ticket_called", ticket.View()); err != nil {
		c.gw.logger.Warnw("Ticket-called notification not enqueued",
			"ticket_id", ticket.ID,
			"error", err.Error(),
		)
	}

	c.reply(hub.Event{
		Type:    hub.TypeTicketUpdate,
		Action:  hub.ActionCall,
		Payload: ticket.View(),
		TS:      c.gw.clock.Now(),
	})
}

func (c *Client) handleMarkServing(msg *Inbound) {
	engine, t, err := c.engineForTicket(msg.TicketID)
	if err != nil {
		c.replyError(err)
		return
	}
	if err := authorizeMutation(c.user, t.ShopID); err != nil {
		c.replyError(err)
		return
	}

	ticket, err := engine.MarkServing(c.gw.ctx, msg.TicketID, msg.SpecialistID)
	if err != nil {
		c.replyError(err)
		return
	}
	c.reply(hub.Event{
		Type:    hub.TypeTicketUpdate,
		Action:  hub.ActionServe,
		Payload: ticket.View(),
		TS:      c.gw.clock.Now(),
	})
}

func (c *Client) handleMarkServed(msg *Inbound) {
	engine, t, err := c.engineForTicket(msg.TicketID)
	if err != nil {
		c.replyError(err)
		return
	}
	if err := authorizeMutation(c.user, t.ShopID); err != nil {
		c.replyError(err)
		return
	}

	ticket, err := engine.MarkServed(c.gw.ctx, msg.TicketID)
	if err != nil {
		c.replyError(err)
		return
	}
	c.reply(hub.Event{
		Type:    hub.TypeTicketUpdate,
		Action:  hub.ActionComplete,
		Payload: ticket.View(),
		TS:      c.gw.clock.Now(),
	})
}

func (c *Client) handleCancel(msg *Inbound) {
	engine, t, err := c.engineForTicket(msg.TicketID)
	if err != nil {
		c.replyError(err)
		return
	}
	// Customers may only cancel their own ticket.
	if c.user.Role == auth.RoleCustomer && t.CustomerID != c.user.ID {
		c.replyError(errors.Wrap(errors.ErrForbidden, "not your ticket"))
		return
	}

	ticket, err := engine.Cancel(c.gw.ctx, msg.TicketID)
	if err != nil {
		c.replyError(err)
		return
	}
	c.reply(hub.Event{
		Type:    hub.TypeTicketUpdate,
		Action:  hub.ActionCancel,
		Payload: ticket.View(),
		TS:      c.gw.clock.Now(),
	})
}

func (c *Client) handleQueueState(msg *Inbound) {
	engine, q, err := c.engineForQueue(msg.QueueID)
	if err != nil {
		c.replyError(err)
		return
	}
	if err := authorize(c.gw.store, c.user, hub.QueueGroup(q.ID)); err != nil {
		c.replyError(err)
		return
	}

	snap, err := engine.Snapshot(c.gw.ctx, msg.QueueID)
	if err != nil {
		c.replyError(err)
		return
	}
	c.reply(queueStateEvent(snap, c.gw.clock.Now()))
}

// handleSubscribe authorizes each requested group. Denials are counted per
// session; crossing the limit closes the connection with 4003.
func (c *Client) handleSubscribe(msg *Inbound) (closed bool) {
	for _, group := range msg.Groups {
		if err := authorize(c.gw.store, c.user, group); err != nil {
			if !errors.Is(err, errors.ErrForbiddenGroup) {
				c.replyError(err)
				continue
			}
			c.denials++
			c.gw.logger.Warnw("Subscription denied",
				"session_id", c.session.ID,
				"user_id", c.user.ID,
				"group", group,
				"denials", c.denials,
			)
			if c.denials >= c.gw.cfg.MaxDenials {
				c.gw.hub.UnsubscribeAll(c.session)
				c.closeWith(CloseForbiddenGroup, "too many denied subscriptions")
				return true
			}
			c.replyError(err)
			continue
		}

		c.gw.hub.Subscribe(c.session, group)

		// Queue subscribers start from a full snapshot.
		if kind, queueID := hub.ParseGroup(group); kind == hub.GroupQueue {
			engine, _, err := c.engineForQueue(queueID)
			if err != nil {
				c.replyError(err)
				continue
			}
			snap, err := engine.Snapshot(c.gw.ctx, queueID)
			if err != nil {
				c.replyError(err)
				continue
			}
			c.reply(queueStateEvent(snap, c.gw.clock.Now()))
		}
	}
	return false
}

func (c *Client) handleAcknowledge(msg *Inbound) {
	if msg.NotificationID == "" {
		c.replyError(errors.Wrap(errors.ErrInvalidRequest, "notification_id is required"))
		return
	}
	if err := c.gw.notifier.Acknowledge(msg.NotificationID, c.user.ID); err != nil {
		c.replyError(err)
		return
	}
	c.session.Ack(c.gw.clock.Now())
}
