package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type waiter struct {
	until time.Time
	ch    chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	t       time.Time
	waiters []waiter
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.t
		return ch
	}
	f.waiters = append(f.waiters, waiter{until: f.t.Add(d), ch: ch})
	return ch
}

// Set advances the clock and fires every waiter whose deadline has passed.
func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.until.After(t) {
			w.ch <- t
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

func (f *fakeClock) awaitWaiter(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		f.mu.Lock()
		n := len(f.waiters)
		f.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the timer to arm")
}

func TestNextDelayAlwaysPositive(t *testing.T) {
	target := TimeOfDay{Hour: 12}
	grace := 10 * time.Minute
	nows := []time.Time{
		time.Date(2018, time.March, 5, 3, 0, 0, 0, time.UTC),
		time.Date(2018, time.March, 5, 12, 9, 59, 0, time.UTC),
		// Exactly the fire moment: the next occurrence is tomorrow's.
		time.Date(2018, time.March, 5, 12, 10, 0, 0, time.UTC),
		time.Date(2018, time.March, 5, 23, 59, 59, 0, time.UTC),
		// Month and year rollover.
		time.Date(2018, time.February, 28, 13, 0, 0, 0, time.UTC),
		time.Date(2018, time.December, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, now := range nows {
		d := NextDelay(now, target, grace)
		if d <= 0 {
			t.Errorf("NextDelay(%v) = %v, want > 0", now, d)
		}
		fire := now.Add(d)
		if fire.Hour() != 12 || fire.Minute() != 10 || fire.Second() != 0 {
			t.Errorf("NextDelay(%v) fires at %v, want 12:10:00", now, fire)
		}
	}
}

func TestNextDelayUsesTodayWhenAhead(t *testing.T) {
	now := time.Date(2018, time.March, 5, 3, 0, 0, 0, time.UTC)
	d := NextDelay(now, TimeOfDay{Hour: 12}, 10*time.Minute)
	fire := now.Add(d)
	if fire.Day() != 5 {
		t.Errorf("fire day = %d, want 5 (later today)", fire.Day())
	}
}

func TestNextDelayRollsToTomorrow(t *testing.T) {
	now := time.Date(2018, time.March, 5, 13, 0, 0, 0, time.UTC)
	d := NextDelay(now, TimeOfDay{Hour: 12}, 10*time.Minute)
	fire := now.Add(d)
	if fire.Day() != 6 {
		t.Errorf("fire day = %d, want 6 (tomorrow)", fire.Day())
	}
	now = time.Date(2018, time.December, 31, 13, 0, 0, 0, time.UTC)
	fire = now.Add(NextDelay(now, TimeOfDay{Hour: 12}, 10*time.Minute))
	if fire.Year() != 2019 || fire.Month() != time.January || fire.Day() != 1 {
		t.Errorf("fire date = %v, want 2019-01-01", fire)
	}
}

type failingJob struct {
	runs int
	done chan bool
}

func (j *failingJob) ID() string    { return "failing" }
func (j *failingJob) At() TimeOfDay { return TimeOfDay{Hour: 0} }
func (j *failingJob) Run() error {
	j.runs++
	j.done <- true
	return errors.New("always fails")
}

func TestTimerRearmsAfterFailure(t *testing.T) {
	start := time.Date(2018, time.March, 5, 3, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	job := &failingJob{done: make(chan bool, 1)}
	timer := NewTimer(clock, 10*time.Minute)
	timer.Start(job)

	clock.awaitWaiter(t)
	day2 := time.Date(2018, time.March, 6, 0, 10, 0, 0, time.UTC)
	clock.Set(day2)
	<-job.done
	if job.runs != 1 {
		t.Errorf("job ran %d times, want 1", job.runs)
	}

	// The job failed, but the timer must still arm for the next day.
	clock.awaitWaiter(t)
	day3 := time.Date(2018, time.March, 7, 0, 10, 0, 0, time.UTC)
	clock.Set(day3)
	<-job.done
	if job.runs != 2 {
		t.Errorf("job ran %d times, want 2", job.runs)
	}
}
