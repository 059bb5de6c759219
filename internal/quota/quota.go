// Package quota enforces the per-rule daily reply caps. Reservation is a
// single check-and-increment step so two dispatchers racing for the last
// slot can never both win.
package quota

import (
	"sync"
	"time"
)

type counter struct {
	day      string // local date of the last reset, formatted 2006-01-02
	reserved int
}

// Tracker holds per-rule daily counters. The daily boundary is evaluated in
// the account's timezone, lazily on each reservation attempt. The clock is
// injected so tests can pin the day.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]*counter
	loc      *time.Location
	now      func() time.Time
}

func NewTracker(loc *time.Location) *Tracker {
	return &Tracker{
		counters: make(map[string]*counter),
		loc:      loc,
		now:      time.Now,
	}
}

// NewTrackerWithClock is for tests that need a deterministic day boundary.
func NewTrackerWithClock(loc *time.Location, now func() time.Time) *Tracker {
	t := NewTracker(loc)
	t.now = now
	return t
}

// Seed primes a rule's counter with an already-spent count, e.g. the
// replies_today value loaded from storage at startup.
func (t *Tracker) Seed(ruleID string, repliesToday int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[ruleID] = &counter{day: t.localDay(), reserved: repliesToday}
}

// SeedForDay primes a rule's counter with a stored count stamped with the
// local day it was accumulated on. Counts from any other day are discarded,
// so a restart cannot carry an earlier day's spend into today's cap.
func (t *Tracker) SeedForDay(ruleID string, repliesToday int, day string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if day != t.localDay() {
		return
	}
	t.counters[ruleID] = &counter{day: day, reserved: repliesToday}
}

// TryReserve claims one reply slot for the rule today. It returns false when
// the cap is already spent; the caller then skips the rule and keeps walking
// the candidate list. maxPerDay <= 0 means the rule is uncapped.
func (t *Tracker) TryReserve(ruleID string, maxPerDay int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.localDay()
	c, ok := t.counters[ruleID]
	if !ok || c.day != day {
		c = &counter{day: day}
		t.counters[ruleID] = c
	}

	if maxPerDay > 0 && c.reserved >= maxPerDay {
		return false
	}
	c.reserved++
	return true
}

// Reserved reports how many slots the rule has spent today.
func (t *Tracker) Reserved(ruleID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counters[ruleID]
	if !ok || c.day != t.localDay() {
		return 0
	}
	return c.reserved
}

func (t *Tracker) localDay() string {
	return t.now().In(t.loc).Format("2006-01-02")
}
