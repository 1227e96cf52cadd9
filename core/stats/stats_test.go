package stats

import (
	"encoding/json"
	"testing"
	"time"

	"schedule/core/db"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.t.Add(d)
	return ch
}

func TestRollover(t *testing.T) {
	now := time.Date(2018, time.June, 15, 0, 10, 0, 0, time.UTC)
	d := db.Fake()
	d.Datasets["publicStats"] = []byte(`{"hits":120,"transfers":7}`)
	r := NewRollover(d, &fakeClock{t: now})

	if err := r.Run(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(d.DailyStats) != 1 {
		t.Fatalf("got %d daily stats rows, want 1", len(d.DailyStats))
	}
	var pushed map[string]any
	if err := json.Unmarshal(d.DailyStats[0], &pushed); err != nil {
		t.Fatalf("pushed stats are not valid JSON: %v", err)
	}
	if pushed["hits"] != float64(120) {
		t.Errorf("pushed hits = %v, want 120", pushed["hits"])
	}
	if pushed["ts"] != float64(now.UnixMilli()) {
		t.Errorf("pushed ts = %v, want %d", pushed["ts"], now.UnixMilli())
	}
	var reset map[string]any
	if err := json.Unmarshal(d.DatasetWrites["publicStats"], &reset); err != nil {
		t.Fatalf("reset stats are not valid JSON: %v", err)
	}
	if _, ok := reset["hits"]; ok {
		t.Errorf("daily counters survived the reset: %v", reset)
	}
	if d.Commits != 1 {
		t.Errorf("got %d commits, want 1", d.Commits)
	}
}

func TestRolloverMissingStats(t *testing.T) {
	d := db.Fake()
	r := NewRollover(d, &fakeClock{t: time.Now()})
	if err := r.Run(); err == nil {
		t.Error("Run succeeded with no publicStats dataset, want error")
	}
	if len(d.DailyStats) != 0 {
		t.Errorf("daily stats written despite missing dataset")
	}
}
