package queue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/predict"
)

// Registry hands out the single engine instance per shop, creating and
// rehydrating it on first use. The shop is the concurrency boundary; two
// callers asking for the same shop always share one engine.
type Registry struct {
	cfg       Config
	store     *Store
	histories HistoryRecorder
	estimator *predict.Estimator
	sink      EventSink
	clock     clock.Clock
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates a registry sharing one store, sink, and estimator
// across all shop engines.
func NewRegistry(
	cfg Config,
	store *Store,
	histories HistoryRecorder,
	estimator *predict.Estimator,
	sink EventSink,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Registry {
	return &Registry{
		cfg:       cfg,
		store:     store,
		histories: histories,
		estimator: estimator,
		sink:      sink,
		clock:     clk,
		logger:    logger,
		engines:   make(map[string]*Engine),
	}
}

// Engine returns the shop's engine, creating it on first use.
func (r *Registry) Engine(shopID string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[shopID]; ok {
		return e, nil
	}

	e, err := NewEngine(shopID, r.cfg, r.store, r.histories, r.estimator, r.sink, r.clock, r.logger)
	if err != nil {
		return nil, err
	}
	r.engines[shopID] = e
	return e, nil
}

// Engines returns the currently running engines.
func (r *Registry) Engines() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// StopAll shuts every engine down, draining accepted requests.
func (r *Registry) StopAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
}
