package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/hub"
)

// Transport delivers one notification to an external channel (push, SMS,
// webhook). Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, n *Notification) error
}

// EventSink mirrors delivered notifications onto the live event stream so
// connected clients see them immediately.
type EventSink interface {
	Publish(group string, event hub.Event)
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	// RatePerSecond and Burst bound outbound transport calls.
	RatePerSecond float64
	Burst         int
	// MaxAttempts bounds delivery retries per notification.
	MaxAttempts int
	// QueueDepth bounds the pending delivery queue.
	QueueDepth int
	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	return c
}

// Dispatcher owns the outbound notification queue: persist, rate-limit,
// deliver with retries, and mirror onto the hub.
type Dispatcher struct {
	cfg       Config
	store     *Store
	transport Transport
	sink      EventSink
	limiter   *rate.Limiter
	clock     clock.Clock
	logger    *zap.SugaredLogger

	queue  chan *Notification
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering.
func NewDispatcher(
	cfg Config,
	store *Store,
	transport Transport,
	sink EventSink,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		transport: transport,
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		clock:     clk,
		logger:    logger.Named("notify"),
		queue:     make(chan *Notification, cfg.QueueDepth),
	}
}

// Start launches the delivery worker and re-queues notifications that were
// pending when the process last stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	pending, err := d.store.ListPending(d.cfg.QueueDepth)
	if err != nil {
		return err
	}
	for _, n := range pending {
		select {
		case d.queue <- n:
		default:
			d.logger.Warnw("Delivery queue full during resume", "notification_id", n.ID)
		}
	}
	if len(pending) > 0 {
		d.logger.Infow("Resumed pending notifications", "count", len(pending))
	}

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop halts delivery. Queued notifications stay pending in the store and
// resume on the next Start.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

// Enqueue persists the notification and queues it for delivery. A full
// queue fails fast; the resume pass picks the row up later.
func (d *Dispatcher) Enqueue(n *Notification) error {
	if err := d.store.Create(n); err != nil {
		return err
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return errors.Wrapf(errors.ErrAtCapacity, "notification queue full, %s deferred", n.ID)
	}
}

// Notify is the convenience path: build a notification from a kind and a
// payload value, then enqueue it.
func (d *Dispatcher) Notify(userID, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification payload")
	}
	return d.Enqueue(&Notification{UserID: userID, Kind: kind, Payload: string(body)})
}

// Acknowledge records the user's acknowledgement of a notification.
func (d *Dispatcher) Acknowledge(id, userID string) error {
	return d.store.Acknowledge(id, userID, d.clock.Now())
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			return
		}
	}
}

// deliver attempts the transport send with exponential backoff until it
// succeeds or attempts are exhausted.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	backoff := d.cfg.RetryBase
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		err := d.transport.Send(ctx, n)
		if err == nil {
			now := d.clock.Now()
			if err := d.store.MarkDelivered(n.ID, now, attempt); err != nil {
				d.logger.Errorw("Failed to record delivery", "notification_id", n.ID, "error", err)
			}
			d.sink.Publish(hub.NotificationsGroup(n.UserID), hub.Event{
				Type:    hub.TypeNotification,
				Payload: deliveredPayload{ID: n.ID, Kind: n.Kind, Payload: json.RawMessage(n.Payload)},
				TS:      now,
			})
			return
		}

		d.logger.Warnw("Notification delivery failed",
			"notification_id", n.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	if err := d.store.MarkFailed(n.ID, d.cfg.MaxAttempts); err != nil {
		d.logger.Errorw("Failed to record delivery failure", "notification_id", n.ID, "error", err)
	}
	d.logger.Errorw("Notification delivery exhausted",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"attempts", d.cfg.MaxAttempts,
	)
}

type deliveredPayload struct {
	ID      string          `json:"notification_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
