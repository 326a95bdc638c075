// Package scheduler turns schedule definitions into queue jobs. A single
// ticker goroutine scans the definitions every check interval and enqueues
// a job for each one whose next-run moment has passed; the queue and the
// workers take it from there.
package scheduler

import (
	"time"

	"github.com/teranos/flywheel/queue"
)

// AdvanceFunc computes the run that follows a firing at the given time.
type AdvanceFunc func(time.Time) time.Time

// FixedInterval returns an AdvanceFunc that spaces runs d apart, anchored
// on the firing time rather than the planned time, so a schedule that
// slipped does not burst to catch up.
func FixedInterval(d time.Duration) AdvanceFunc {
	return func(now time.Time) time.Time {
		return now.Add(d)
	}
}

// Definition describes a recurring job. Interval definitions (Advance nil,
// Interval > 0) survive restarts through the schedules table; definitions
// carrying their own Advance are memory-only and disappear with the
// process.
type Definition struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	JobType    queue.JobType  `json:"job_type"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   int            `json:"priority"`
	Enabled    bool           `json:"enabled"`
	MaxRetries int            `json:"max_retries"`

	// Interval drives FixedInterval advancement and persistence. Ignored
	// when Advance is set.
	Interval time.Duration `json:"interval"`

	// Cooldown is the minimum spacing between runs. A due schedule inside
	// its cooldown window is skipped, not rescheduled; it fires on the
	// first tick after the window closes.
	Cooldown time.Duration `json:"cooldown,omitempty"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Advance computes the next run after a firing. Nil selects
	// FixedInterval(Interval).
	Advance AdvanceFunc `json:"-"`

	// customAdvance marks caller-supplied Advance functions; those
	// definitions never touch the store.
	customAdvance bool
}

// Clone returns a deep copy of the definition. The scheduler hands out
// clones so callers can read freely without racing the ticker.
func (d *Definition) Clone() *Definition {
	c := *d
	if d.Params != nil {
		c.Params = make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			c.Params[k] = v
		}
	}
	if d.LastRun != nil {
		t := *d.LastRun
		c.LastRun = &t
	}
	return &c
}

// Update is a patch applied by Scheduler.UpdateSchedule. Nil fields are
// left untouched; a non-nil Params replaces the existing map. Supplying
// Advance converts the definition to memory-only.
type Update struct {
	Name       *string
	Params     map[string]any
	Priority   *int
	Enabled    *bool
	MaxRetries *int
	Interval   *time.Duration
	Cooldown   *time.Duration
	NextRun    *time.Time
	Advance    AdvanceFunc
}
