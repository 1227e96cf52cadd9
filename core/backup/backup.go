// Package backup implements the periodic snapshot service and the
// blockchain finalizer.
//
// Snapshots use two alternating slots, A and B, selected from the hour of
// day.  A write window opens once every two hours and alternates slots, so
// if a file is corrupted while being written out the previous slot's file
// is still intact as a recovery point.  Within one window the individual
// dataset dumps are staggered over roughly ten minutes so the record store
// is never asked to read everything at once.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"schedule/core"
	"schedule/core/db"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_snapshots_written_total",
		Help: "Number of snapshot files written",
	})
	snapshotErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_snapshot_errors_total",
		Help: "Number of snapshot dumps that failed to read or write",
	})
	finalizes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_finalizes_total",
		Help: "Number of blockchain segments finalized",
	})
)

// FileSink writes whole files by name.  Every write is a full replacement;
// there is no append path, which is what makes overlapping snapshot cycles
// benign.
type FileSink interface {
	WriteFile(name string, data []byte) error
}

// DirSink writes files into a directory on local disk.
type DirSink struct {
	Dir string
}

func (s DirSink) WriteFile(name string, data []byte) error {
	return os.WriteFile(filepath.Join(s.Dir, name), data, 0644)
}

// Service drives both the A/B dataset snapshots and the chain
// finalization.  It is ticked from the block production period, nominally
// every 30 seconds.
type Service struct {
	db       db.Database
	logs     FileSink // rotating A/B snapshot files
	data     FileSink // permanent chain artifacts
	clock    core.Clock
	tick     time.Duration
	capacity int64 // blocks per chain bucket
	lastRef  int64 // chain bucket index at the previous tick, -1 before the first
}

func NewService(d db.Database, logs, data FileSink, clock core.Clock, tick time.Duration, capacity int64) *Service {
	return &Service{
		db:       d,
		logs:     logs,
		data:     data,
		clock:    clock,
		tick:     tick,
		capacity: capacity,
		lastRef:  -1,
	}
}

// Run ticks the service until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.tick):
			s.Tick(s.clock.Now())
		}
	}
}

// Tick checks the snapshot write windows and the chain bucket index once.
func (s *Service) Tick(now time.Time) {
	if slot, ok := Slot(now); ok {
		s.snapshot(now, slot)
	}
	s.checkChain()
}

// Slot reports whether now falls inside a snapshot write window, and which
// slot that window selects.  Windows open at minute 1, second 29 of every
// other even hour for B and every other odd hour for A, giving one trigger
// roughly every two hours with alternating slots.
func Slot(now time.Time) (byte, bool) {
	if now.Minute() != 1 || now.Second() < 29 {
		return 0, false
	}
	switch now.Hour() {
	case 1, 5, 9, 13, 17, 21:
		return 'A', true
	case 0, 4, 8, 12, 16, 20:
		return 'B', true
	}
	return 0, false
}

type dumpSpec struct {
	name   string
	offset time.Duration
}

// dumpPlan returns the datasets to dump this window with their stagger
// offsets.  The core account data goes out every window; the bulkier and
// slower-moving datasets only during a subset of hours.
func dumpPlan(hour int) []dumpSpec {
	plan := []dumpSpec{
		{"ledger", 30 * time.Second},
		{"credentials", 150 * time.Second},
		{"account", 210 * time.Second},
	}
	switch hour {
	case 1, 8, 13, 20:
		plan = append(plan, dumpSpec{"exported", 90 * time.Second})
	}
	switch hour {
	case 1, 12:
		plan = append(plan,
			dumpSpec{"history", 270 * time.Second},
			dumpSpec{"siteIDs", 330 * time.Second},
			dumpSpec{"subIDs", 390 * time.Second},
			dumpSpec{"statsTotal", 450 * time.Second},
			dumpSpec{"merchantSales", 510 * time.Second},
			dumpSpec{"merchantPurchases", 570 * time.Second},
		)
	}
	return plan
}

func (s *Service) snapshot(now time.Time, slot byte) {
	stamp := now.UTC().Format("060102")
	slog.Info(fmt.Sprintf("snapshot window open, slot %c", slot))
	for _, d := range dumpPlan(now.Hour()) {
		go s.dump(d.name, d.offset, stamp, slot)
	}
}

// dump waits out its stagger offset, reads one dataset in full and writes
// it to <name><yymmdd><slot>.json.  Failures are logged and superseded by
// the next window; there are no retries.
func (s *Service) dump(name string, offset time.Duration, stamp string, slot byte) {
	<-s.clock.After(offset)
	data, err := s.read(name)
	if err != nil {
		snapshotErrors.Inc()
		slog.Warn(fmt.Sprintf("error reading dataset %s: %v", name, err))
		return
	}
	file := fmt.Sprintf("%s%s%c.json", name, stamp, slot)
	if err := s.logs.WriteFile(file, data); err != nil {
		snapshotErrors.Inc()
		slog.Warn(fmt.Sprintf("error writing %s: %v", file, err))
		return
	}
	snapshotsWritten.Inc()
}

func (s *Service) read(name string) ([]byte, error) {
	if name == "ledger" {
		ledger, err := buildLedger(s.db)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ledger)
	}
	return s.db.LoadDataset(name)
}
