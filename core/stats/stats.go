// Package stats implements the midnight rollover of the platform's public
// stats.
package stats

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"schedule/core"
	"schedule/core/db"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rollovers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stats_rollovers_total",
	Help: "Number of midnight stats rollovers run",
})

// Rollover stamps the live publicStats document, appends it to the daily
// history, and resets the counters for the new day.  It implements
// core.Job and fires just after midnight.
type Rollover struct {
	db    db.Database
	clock core.Clock
}

func NewRollover(d db.Database, clock core.Clock) *Rollover {
	return &Rollover{
		db:    d,
		clock: clock,
	}
}

func (r *Rollover) ID() string {
	return "daily-stats"
}

func (r *Rollover) At() core.TimeOfDay {
	return core.TimeOfDay{Hour: 0}
}

func (r *Rollover) Run() error {
	now := r.clock.Now()
	data, err := r.db.LoadDataset("publicStats")
	if err != nil {
		return err
	}
	var stats map[string]any
	if err := json.Unmarshal(data, &stats); err != nil {
		return fmt.Errorf("publicStats is not an object: %w", err)
	}
	stats["ts"] = now.UnixMilli()
	stamped, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	// The daily counters start over from an empty document; the platform
	// recreates them lazily as events come in.
	fresh, err := json.Marshal(map[string]any{"ts": now.UnixMilli()})
	if err != nil {
		return err
	}
	tx, err := r.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := tx.WriteDailyStats(now, stamped); err != nil {
		return err
	}
	if err := tx.WriteDataset("publicStats", fresh); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rollovers.Inc()
	slog.Info("pushed publicStats across to the daily history")
	return nil
}
