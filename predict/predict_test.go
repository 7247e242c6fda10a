package predict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/waitline/waitline/history"
)

var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func snapWithBase(count int, mean, stddev float64) *history.Snapshot {
	return &history.Snapshot{
		ShopID:       "shop1",
		Base:         history.Aggregate{Count: count, Mean: mean, StdDev: stddev},
		ByHour:       map[int]history.Aggregate{},
		ByWeekday:    map[int]history.Aggregate{},
		ByService:    map[string]history.Aggregate{},
		BySpecialist: map[string]history.Aggregate{},
	}
}

func TestPositionZeroIsZero(t *testing.T) {
	e := New(Config{})
	est := e.Estimate(snapWithBase(50, 20, 2), Request{Position: 0, Now: testNow})
	assert.Equal(t, 0, est.Minutes)
}

func TestColdStartUsesDefault(t *testing.T) {
	e := New(Config{})
	// Fewer than 5 samples: base_mean falls back to 15.
	est := e.Estimate(snapWithBase(3, 60, 0), Request{Position: 3, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 30, est.Minutes)
}

func TestSpeedFactorHalvesRecentMean(t *testing.T) {
	// Base mean 20 over plenty of samples; the last hour ran at mean 10,
	// so speed = 2.0 and position 3 estimates
	// 0.7*40 + 0.3*40/2 = 34 minutes.
	snap := snapWithBase(40, 20, 0)
	snap.LastHour = history.Aggregate{Count: 4, Mean: 10}

	e := New(Config{})
	est := e.Estimate(snap, Request{Position: 3, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 34, est.Minutes)
}

func TestSpeedFactorNeedsThreeSamples(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	snap.LastHour = history.Aggregate{Count: 2, Mean: 10}

	e := New(Config{})
	est := e.Estimate(snap, Request{Position: 3, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 40, est.Minutes)
}

func TestParallelismDiminishingReturns(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	e := New(Config{})

	one := e.Estimate(snap, Request{Position: 5, ActiveSpecialists: 1, Now: testNow})
	two := e.Estimate(snap, Request{Position: 5, ActiveSpecialists: 2, Now: testNow})
	three := e.Estimate(snap, Request{Position: 5, ActiveSpecialists: 3, Now: testNow})

	assert.Equal(t, 80, one.Minutes)
	// 80 / 1.7 = 47.06
	assert.Equal(t, 47, two.Minutes)
	// 80 / 2.4 = 33.3
	assert.Equal(t, 33, three.Minutes)
}

func TestFactorsAreBounded(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	// Hour slice mean 60 would be factor 3.0; bounded to 1.2.
	snap.ByHour[testNow.Hour()] = history.Aggregate{Count: 10, Mean: 60}
	// Weekday slice mean 5 would be 0.25; bounded to 0.9.
	snap.ByWeekday[int(testNow.Weekday())] = history.Aggregate{Count: 10, Mean: 5}

	e := New(Config{})
	est := e.Estimate(snap, Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	// 1 * 20 * 1.2 * 0.9 = 21.6
	assert.Equal(t, 22, est.Minutes)
}

func TestThinSlicesIgnored(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	snap.ByHour[testNow.Hour()] = history.Aggregate{Count: 2, Mean: 60}

	e := New(Config{})
	est := e.Estimate(snap, Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 20, est.Minutes)
}

func TestServiceAndSpecialistFactors(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	snap.ByService["color"] = history.Aggregate{Count: 10, Mean: 22}       // 1.1
	snap.BySpecialist["alice"] = history.Aggregate{Count: 10, Mean: 18}    // 0.9

	e := New(Config{})
	est := e.Estimate(snap, Request{
		Position:          3,
		ActiveSpecialists: 1,
		Now:               testNow,
		ServiceID:         "color",
		SpecialistID:      "alice",
	})
	// 2 * 20 * 1.1 * 0.9 = 39.6
	assert.Equal(t, 40, est.Minutes)
}

func TestHeadOfLineRemainingTime(t *testing.T) {
	snap := snapWithBase(40, 20, 0)
	started := testNow.Add(-12 * time.Minute)

	e := New(Config{})
	est := e.Estimate(snap, Request{
		Position:          1,
		ActiveSpecialists: 1,
		Now:               testNow,
		ServingStartedAt:  &started,
	})
	assert.Equal(t, 8, est.Minutes)

	// Service has overrun its expected duration: floor at 1 minute.
	overrun := testNow.Add(-45 * time.Minute)
	est = e.Estimate(snap, Request{
		Position:          1,
		ActiveSpecialists: 1,
		Now:               testNow,
		ServingStartedAt:  &overrun,
	})
	assert.Equal(t, 1, est.Minutes)
}

func TestEstimateClampedToMax(t *testing.T) {
	snap := snapWithBase(40, 60, 0)
	e := New(Config{})
	est := e.Estimate(snap, Request{Position: 20, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 180, est.Minutes)
}

func TestConfidence(t *testing.T) {
	e := New(Config{})

	// No history at all: confidence near zero.
	est := e.Estimate(snapWithBase(0, 0, 0), Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 0.0, est.Confidence)

	// Deep history, shallow position, tight spread: high but capped.
	rich := snapWithBase(200, 20, 1)
	rich.LastHour = history.Aggregate{Count: 5, Mean: 20}
	est = e.Estimate(rich, Request{Position: 1, ActiveSpecialists: 1, Now: testNow})
	assert.LessOrEqual(t, est.Confidence, 0.95)
	assert.Greater(t, est.Confidence, 0.8)

	// Deeper positions score lower than shallow ones.
	shallow := e.Estimate(rich, Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	deep := e.Estimate(rich, Request{Position: 15, ActiveSpecialists: 1, Now: testNow})
	assert.Greater(t, shallow.Confidence, deep.Confidence)

	// High variance drags confidence down.
	noisy := snapWithBase(200, 20, 40)
	est = e.Estimate(noisy, Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	tight := e.Estimate(snapWithBase(200, 20, 1), Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	assert.Less(t, est.Confidence, tight.Confidence)
}

func TestNilSnapshot(t *testing.T) {
	e := New(Config{})
	est := e.Estimate(nil, Request{Position: 2, ActiveSpecialists: 1, Now: testNow})
	assert.Equal(t, 15, est.Minutes)
	assert.Equal(t, 0.0, est.Confidence)
}
