// Package core provides the wall clock timer that drives the platform's
// daily jobs.
package core

import (
	"fmt"
	"log/slog"
	"time"
)

// DefaultGrace is added to every job's target time.  The extra minutes
// absorb clock skew between the scheduler host and the record store, so a
// job never fires just before the data it sweeps has rolled over.
const DefaultGrace = 10 * time.Minute

// TimeOfDay is a daily wall clock target.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// Job is the interface for work that runs once a day at a fixed wall clock
// time.
type Job interface {
	// ID returns a string suitable for uniquely identifying this job. This
	// will be used in log and error messages.
	ID() string
	// At returns the wall clock time the job should fire each day.  The
	// timer's grace offset is added on top of it.
	At() TimeOfDay
	// Run runs whatever the job wants to do. A returned error is logged, but
	// otherwise ignored. Panics are also caught and recovered.
	Run() error
}

// NextDelay returns how long to wait from now until the next occurrence of
// at plus grace.  The target is today's occurrence if it is still ahead,
// otherwise tomorrow's; time.Date normalizes the day increment across
// month and year boundaries.  The result is always positive.
func NextDelay(now time.Time, at TimeOfDay, grace time.Duration) time.Duration {
	target := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, at.Second, 0, now.Location()).Add(grace)
	if !target.After(now) {
		target = time.Date(now.Year(), now.Month(), now.Day()+1, at.Hour, at.Minute, at.Second, 0, now.Location()).Add(grace)
	}
	return target.Sub(now)
}

// Timer fires jobs at their wall clock target each day.  It re-arms itself
// after every firing, whether or not the job succeeded, so a single failure
// never stops future recurrences.
type Timer struct {
	clock Clock
	grace time.Duration
}

func NewTimer(clock Clock, grace time.Duration) *Timer {
	return &Timer{clock: clock, grace: grace}
}

// Start arms the timer for the job's next occurrence.  The job keeps firing
// daily until process exit; there is no way to stop or cancel it.
func (t *Timer) Start(job Job) {
	go t.loop(job)
}

func (t *Timer) loop(job Job) {
	for {
		d := NextDelay(t.clock.Now(), job.At(), t.grace)
		slog.Info(fmt.Sprintf("%s set for %d mins", job.ID(), int(d.Minutes())))
		<-t.clock.After(d)
		runJob(job)
	}
}

func runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("recovering from panic in %q job: %v", job.ID(), r))
		}
	}()
	if err := job.Run(); err != nil {
		slog.Error(fmt.Sprintf("error in %q job: %v", job.ID(), err))
	}
}
