package backup

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"schedule/core/db"
)

// BlockRef returns the index of the chain bucket containing blockID.
func BlockRef(blockID, capacity int64) int64 {
	if capacity <= 0 {
		return 0
	}
	return blockID / capacity
}

// checkChain watches the active chain bucket index.  When it advances, the
// bucket it left behind is finalized and the permanent ledger backups are
// rewritten.  A failed write is logged; the next advance produces the next
// segment regardless.
func (s *Service) checkChain() {
	blockID, err := s.db.BlockID()
	if err != nil {
		slog.Warn(fmt.Sprintf("error reading chain head: %v", err))
		return
	}
	ref := BlockRef(blockID, s.capacity)
	if s.lastRef == -1 {
		s.lastRef = ref
		return
	}
	if ref == s.lastRef {
		return
	}
	s.lastRef = ref
	if err := s.Finalize(ref); err != nil {
		slog.Warn(fmt.Sprintf("error finalizing chain segment: %v", err))
	}
	if err := s.BackupLedger(ref); err != nil {
		slog.Warn(fmt.Sprintf("error backing up ledger: %v", err))
	}
}

// Finalize writes the bucket before ref to its permanently named file,
// blockchain<N>.json.  Null entries left behind by pruned blocks are
// stripped, turning the sparse keyed bucket into a dense ordered sequence.
// Finalizing the same index twice rewrites the same content.
func (s *Service) Finalize(ref int64) error {
	prev := ref - 1
	if prev < 0 {
		prev = 0
	}
	rows, err := s.db.LoadBlocks(prev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cleanNulls(rows))
	if err != nil {
		return err
	}
	if err := s.data.WriteFile(fmt.Sprintf("blockchain%d.json", prev), data); err != nil {
		return err
	}
	finalizes.Inc()
	slog.Info(fmt.Sprintf("finalized blockchain segment %d", prev))
	return nil
}

func cleanNulls(rows db.Scanner) []json.RawMessage {
	blocks := make([]json.RawMessage, 0)
	for rows.Next() {
		var id int64
		var data sql.NullString
		if err := rows.Scan(&id, &data); err != nil {
			slog.Warn(fmt.Sprintf("error scanning block: %v", err))
			continue
		}
		if !data.Valid || data.String == "" || data.String == "null" {
			continue
		}
		blocks = append(blocks, json.RawMessage(data.String))
	}
	return blocks
}

// BackupLedger writes the full balance ledger to ledger.json and to the
// per-bucket ledger<N>.json.
func (s *Service) BackupLedger(ref int64) error {
	ledger, err := buildLedger(s.db)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	if err := s.data.WriteFile("ledger.json", data); err != nil {
		return err
	}
	return s.data.WriteFile(fmt.Sprintf("ledger%d.json", ref), data)
}

func buildLedger(d db.Database) (map[int64]float64, error) {
	rows, err := d.LoadLedger()
	if err != nil {
		return nil, err
	}
	ledger := make(map[int64]float64)
	for rows.Next() {
		var uid int64
		var balance float64
		if err := rows.Scan(&uid, &balance); err != nil {
			return nil, err
		}
		ledger[uid] = balance
	}
	return ledger, nil
}
