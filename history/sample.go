// Package history records completed service durations and serves the
// aggregate statistics the predictor and scheduler consume.
package history

import (
	"math"
	"time"
)

// MaxSampleMinutes bounds plausible service durations; observations at or
// beyond this are treated as clock skew or forgotten tickets and dropped.
const MaxSampleMinutes = 180

// Sample is one observed service duration.
type Sample struct {
	ShopID          string
	ServiceID       string // optional
	SpecialistID    string // optional
	TicketID        string // optional; enforces one sample per served ticket
	Hour            int    // 0-23, shop-local hour of observation
	Weekday         int    // 0-6, Sunday = 0
	DurationMinutes float64
	ObservedAt      time.Time
}

// Valid reports whether the duration is within the accepted range.
func (s Sample) Valid() bool {
	return s.DurationMinutes > 0 && s.DurationMinutes < MaxSampleMinutes
}

// Aggregate summarizes a set of samples.
type Aggregate struct {
	Count  int
	Mean   float64
	StdDev float64
}

// Snapshot is the precomputed statistics bundle handed to the predictor.
// It is plain data: the predictor performs no I/O.
type Snapshot struct {
	ShopID string
	// Base covers all samples in the history window.
	Base Aggregate
	// ByHour / ByWeekday / ByService / BySpecialist slice the window.
	ByHour       map[int]Aggregate
	ByWeekday    map[int]Aggregate
	ByService    map[string]Aggregate
	BySpecialist map[string]Aggregate
	// LastHour covers completions in the 60 minutes before the snapshot.
	LastHour Aggregate
}

// aggregate computes count, mean, and standard deviation of durations.
func aggregate(durations []float64) Aggregate {
	n := len(durations)
	if n == 0 {
		return Aggregate{}
	}

	var sum float64
	for _, d := range durations {
		sum += d
	}
	mean := sum / float64(n)

	var sq float64
	for _, d := range durations {
		diff := d - mean
		sq += diff * diff
	}

	return Aggregate{
		Count:  n,
		Mean:   mean,
		StdDev: math.Sqrt(sq / float64(n)),
	}
}
