// Package aggregator accumulates emotion dwell time: how long each emotion
// was the most recently observed dominant emotion.
package aggregator

import (
	"sync"
	"time"

	"github.com/menta2k/facesense/pkg/emotion"
)

// Totals maps each label to its accumulated dwell time
type Totals map[emotion.Label]time.Duration

// Sum returns the total accumulated time
func (t Totals) Sum() time.Duration {
	var sum time.Duration
	for _, d := range t {
		sum += d
	}
	return sum
}

// Aggregator owns the dwell-time state of one session. It is safe for
// concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	times   Totals
	last    emotion.Label
	lastAt  time.Time
	hasLast bool
}

// New creates an aggregator with every label at zero
func New() *Aggregator {
	return &Aggregator{times: zeroTotals()}
}

// Update records that label is dominant at now. The time elapsed since the
// previous update is attributed to the previous dominant emotion, which is
// what was on screen during that interval. Updates that do not move forward
// in time attribute nothing.
func (a *Aggregator) Update(label emotion.Label, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasLast && now.After(a.lastAt) {
		a.times[a.last] += now.Sub(a.lastAt)
	}
	a.last = label
	a.lastAt = now
	a.hasLast = true
}

// Totals returns a copy of the accumulated times
func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyTimes()
}

// Total returns the sum of all accumulated times
func (a *Aggregator) Total() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.times.Sum()
}

// Last returns the last dominant emotion and when it was observed
func (a *Aggregator) Last() (emotion.Label, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.lastAt, a.hasLast
}

// Drain returns the accumulated times and resets the whole state, including
// the last observed emotion, so the first interval after a report is not
// charged to a stale emotion. With nothing accumulated it returns false and
// leaves the state untouched.
func (a *Aggregator) Drain() (Totals, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.times.Sum() == 0 {
		return nil, false
	}
	out := a.copyTimes()
	a.reset()
	return out, true
}

// Restore adds previously drained times back, on top of whatever was
// accumulated since the drain. The last observed emotion is not changed.
func (a *Aggregator) Restore(t Totals) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range emotion.Labels() {
		if d := t[l]; d > 0 {
			a.times[l] += d
		}
	}
}

// Reset clears all accumulated times and the last observed emotion
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *Aggregator) reset() {
	a.times = zeroTotals()
	a.last = ""
	a.lastAt = time.Time{}
	a.hasLast = false
}

func (a *Aggregator) copyTimes() Totals {
	out := make(Totals, len(a.times))
	for k, v := range a.times {
		out[k] = v
	}
	return out
}

func zeroTotals() Totals {
	t := make(Totals)
	for _, l := range emotion.Labels() {
		t[l] = 0
	}
	return t
}
