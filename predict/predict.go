// Package predict estimates wait times for queued tickets.
//
// The estimator is a pure function of the history snapshot and the request;
// it reads no clock and performs no I/O, so identical inputs always yield
// identical estimates.
package predict

import (
	"math"
	"sync"
	"time"

	"github.com/waitline/waitline/history"
)

// minFactorSamples is how many samples a slice needs before its factor is
// trusted over the 1.0 default.
const minFactorSamples = 3

// confidenceRampSamples is where the sample-count ramp reaches 1.0.
const confidenceRampSamples = 50

// Config tunes the estimator. Zero values fall back to defaults.
type Config struct {
	// MinSamples below which base_mean falls back to DefaultServiceMinutes.
	MinSamples int
	// DefaultServiceMinutes is the assumed duration with no usable history.
	DefaultServiceMinutes float64
	// MaxEstimateMinutes caps the returned estimate.
	MaxEstimateMinutes int
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.DefaultServiceMinutes <= 0 {
		c.DefaultServiceMinutes = 15
	}
	if c.MaxEstimateMinutes <= 0 {
		c.MaxEstimateMinutes = 180
	}
	return c
}

// Request describes one ticket's situation at estimation time.
type Request struct {
	// Position is the ticket's 1-based waiting position. 0 means the
	// ticket is being served now.
	Position int
	// ActiveSpecialists is the count of specialists currently serving.
	ActiveSpecialists int
	// Now is the reference clock, passed in explicitly.
	Now time.Time
	// ServiceID and SpecialistID select the optional per-service and
	// per-specialist factors.
	ServiceID    string
	SpecialistID string
	// ServingStartedAt, when set with Position == 1, marks that a ticket
	// is currently in service; the estimate becomes that service's
	// remaining time.
	ServingStartedAt *time.Time
}

// Estimate is the predictor's output.
type Estimate struct {
	// Minutes until the ticket is expected to start service.
	Minutes int
	// Confidence in [0, 0.95].
	Confidence float64
}

// Estimator computes wait estimates from aggregated service history.
type Estimator struct {
	mu  sync.RWMutex
	cfg Config
}

// New creates an estimator.
func New(cfg Config) *Estimator {
	return &Estimator{cfg: cfg.withDefaults()}
}

// SetConfig swaps the tunables; the config watcher calls this on reload.
func (e *Estimator) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Estimator) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Estimate computes the expected wait for the request against the snapshot.
func (e *Estimator) Estimate(snap *history.Snapshot, req Request) Estimate {
	cfg := e.config()

	if req.Position <= 0 {
		return Estimate{Minutes: 0, Confidence: e.confidence(snap, req, false)}
	}

	baseMean := cfg.DefaultServiceMinutes
	if snap != nil && snap.Base.Count >= cfg.MinSamples {
		baseMean = snap.Base.Mean
	}

	hourFactor := 1.0
	weekdayFactor := 1.0
	serviceFactor := 1.0
	specialistFactor := 1.0
	if snap != nil {
		hourFactor = factor(snap.ByHour[req.Now.Hour()], baseMean, 0.8, 1.2)
		weekdayFactor = factor(snap.ByWeekday[int(req.Now.Weekday())], baseMean, 0.9, 1.1)
		if req.ServiceID != "" {
			serviceFactor = factor(snap.ByService[req.ServiceID], baseMean, 0.8, 1.2)
		}
		if req.SpecialistID != "" {
			specialistFactor = factor(snap.BySpecialist[req.SpecialistID], baseMean, 0.8, 1.2)
		}
	}

	// Remaining time of the in-flight service for the head of the line.
	if req.Position == 1 && req.ServingStartedAt != nil {
		expected := baseMean * serviceFactor * specialistFactor
		elapsed := req.Now.Sub(*req.ServingStartedAt).Minutes()
		remaining := math.Max(1, expected-elapsed)
		minutes := clampInt(int(math.Round(remaining)), 1, cfg.MaxEstimateMinutes)
		return Estimate{Minutes: minutes, Confidence: e.confidence(snap, req, false)}
	}

	raw := float64(req.Position-1) * baseMean * hourFactor * weekdayFactor * serviceFactor * specialistFactor

	speed, hasSpeed := speedFactor(snap, baseMean)
	if hasSpeed {
		raw = 0.7*raw + 0.3*raw/speed
	}

	if req.ActiveSpecialists > 1 {
		raw /= 1 + 0.7*float64(req.ActiveSpecialists-1)
	}

	minutes := clampInt(int(math.Round(raw)), 1, cfg.MaxEstimateMinutes)
	return Estimate{Minutes: minutes, Confidence: e.confidence(snap, req, hasSpeed)}
}

// confidence scores how much to trust the estimate.
func (e *Estimator) confidence(snap *history.Snapshot, req Request, hasSpeed bool) float64 {
	var count int
	var spread float64
	if snap != nil {
		count = snap.Base.Count
		if snap.Base.Mean > 0 {
			spread = snap.Base.StdDev / snap.Base.Mean
		}
	}

	score := math.Log1p(float64(count)) / math.Log1p(confidenceRampSamples)
	if score > 1 {
		score = 1
	}

	score -= math.Min(0.02*float64(req.Position), 0.3)
	score -= math.Min(0.10*spread, 0.3)
	if hasSpeed {
		score += 0.1
	}

	return clampFloat(score, 0, 0.95)
}

// factor derives a bounded multiplier from a sliced aggregate relative to the
// base mean. Thin slices are ignored.
func factor(agg history.Aggregate, baseMean, lo, hi float64) float64 {
	if agg.Count < minFactorSamples || baseMean <= 0 {
		return 1.0
	}
	return clampFloat(agg.Mean/baseMean, lo, hi)
}

// speedFactor compares the last hour's pace against the base mean. At least
// three completions in the hour are required before the term applies.
func speedFactor(snap *history.Snapshot, baseMean float64) (float64, bool) {
	if snap == nil || snap.LastHour.Count < minFactorSamples || snap.LastHour.Mean <= 0 {
		return 0, false
	}
	return clampFloat(baseMean/snap.LastHour.Mean, 0.5, 2.0), true
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
