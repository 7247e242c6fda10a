// Package tasks runs the periodic maintenance loops: stale-call sweeping,
// estimate refreshes, and operator status broadcasts.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/queue"
)

// Config tunes the maintenance ticker. Zero values fall back to defaults.
type Config struct {
	// SweepInterval is how often stale called tickets are checked.
	SweepInterval time.Duration
	// EstimateInterval is how often wait estimates are refreshed per shop.
	EstimateInterval time.Duration
	// StatusInterval is how often the operator status broadcast fires.
	StatusInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EstimateInterval <= 0 {
		c.EstimateInterval = 30 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	return c
}

// EventSink receives the status broadcasts.
type EventSink interface {
	Publish(group string, event hub.Event)
}

// Ticker drives the periodic maintenance work across all running shop
// engines.
type Ticker struct {
	cfg      Config
	registry *queue.Registry
	sink     EventSink
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	ticks int64
}

// NewTicker creates a ticker over the engine registry.
func NewTicker(cfg Config, registry *queue.Registry, sink EventSink, logger *zap.SugaredLogger) *Ticker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		cfg:      cfg.withDefaults(),
		registry: registry,
		sink:     sink,
		logger:   logger.Named("tasks"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the maintenance loops.
func (t *Ticker) Start() {
	t.wg.Add(3)
	go t.loop(t.cfg.SweepInterval, t.sweepStaleCalled)
	go t.loop(t.cfg.EstimateInterval, t.refreshEstimates)
	go t.loop(t.cfg.StatusInterval, t.broadcastStatus)
	t.logger.Infow("Maintenance ticker started",
		"sweep_interval", t.cfg.SweepInterval,
		"estimate_interval", t.cfg.EstimateInterval,
		"status_interval", t.cfg.StatusInterval,
	)
}

// Stop halts the loops and waits for in-flight work.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Maintenance ticker stopped")
}

func (t *Ticker) loop(interval time.Duration, fn func()) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.ticks++
			t.mu.Unlock()
			fn()
		}
	}
}

func (t *Ticker) sweepStaleCalled() {
	for _, engine := range t.registry.Engines() {
		n, err := engine.SweepStaleCalled(t.ctx)
		if err != nil {
			t.logger.Warnw("Stale call sweep failed", "shop_id", engine.ShopID(), "error", err)
			continue
		}
		if n > 0 {
			t.logger.Infow("Skipped stale called tickets", "shop_id", engine.ShopID(), "count", n)
		}
	}
}

func (t *Ticker) refreshEstimates() {
	for _, engine := range t.registry.Engines() {
		if err := engine.RefreshEstimates(t.ctx); err != nil {
			t.logger.Warnw("Estimate refresh failed", "shop_id", engine.ShopID(), "error", err)
		}
	}
}

// statusPayload is the operator-facing status broadcast body.
type statusPayload struct {
	ShopID       string  `json:"shop_id"`
	QueueCount   int     `json:"queue_count"`
	WaitingCount int     `json:"waiting_count"`
	CalledCount  int     `json:"called_count"`
	ServingCount int     `json:"serving_count"`
	Halted       bool    `json:"halted"`
	MemPercent   float64 `json:"mem_percent"`
	CPUPercent   float64 `json:"cpu_percent"`
}

func (t *Ticker) broadcastStatus() {
	memPct, cpuPct := systemLoad()

	for _, engine := range t.registry.Engines() {
		queues, err := engine.Queues(t.ctx)
		if err != nil {
			continue
		}
		payload := statusPayload{
			ShopID:     engine.ShopID(),
			QueueCount: len(queues),
			MemPercent: memPct,
			CPUPercent: cpuPct,
		}
		for _, q := range queues {
			snap, err := engine.Snapshot(t.ctx, q.ID)
			if err != nil {
				continue
			}
			payload.WaitingCount += snap.WaitingCount
			payload.CalledCount += snap.CalledCount
			payload.ServingCount += snap.ServingCount
		}
		payload.Halted, _ = engine.Halted(t.ctx)

		t.sink.Publish(hub.ShopQueuesGroup(engine.ShopID()), hub.Event{
			Type:    hub.TypeStatusUpdate,
			Payload: payload,
			TS:      time.Now().UTC(),
		})
	}
}

// systemLoad samples host memory and CPU usage for the status broadcast.
// Failures degrade to zeros; the broadcast still goes out.
func systemLoad() (memPercent, cpuPercent float64) {
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	return memPercent, cpuPercent
}

// Ticks reports how many maintenance ticks have fired.
func (t *Ticker) Ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}
