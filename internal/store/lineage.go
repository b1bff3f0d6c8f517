package store

import (
	"context"
	"fmt"
	"time"
)

// RecordLineage appends a lineage record outside of a diff, for stages that
// do not mutate the graph (cache hits, parse failures, tier runs).
func (s *Store) RecordLineage(ctx context.Context, rec *LineageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record lineage: begin: %w", err)
	}
	defer tx.Rollback()
	w := &txWriter{ctx: ctx, tx: tx, d: s.d, max: s.batchSize}
	if err := w.insertLineage(rec); err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	return tx.Commit()
}

// Lineage returns up to limit records attached to subjectID, newest first.
func (s *Store) Lineage(ctx context.Context, subjectID string, limit int) ([]*LineageRecord, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id, subject_id, subject_kind, operation, input_hash, output_hash,
		       executed_at, duration_us, cache_hit, error, change_seq
		FROM lineage_records WHERE subject_id = ?
		ORDER BY executed_at DESC, id DESC LIMIT ?`), subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("lineage: %w", err)
	}
	defer rows.Close()

	var out []*LineageRecord
	for rows.Next() {
		var (
			rec             LineageRecord
			executed, durUS int64
			cacheHit        int
		)
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.SubjectKind, &rec.Operation, &rec.InputHash,
			&rec.OutputHash, &executed, &durUS, &cacheHit, &rec.Error, &rec.ChangeSeq); err != nil {
			return nil, fmt.Errorf("lineage: scan: %w", err)
		}
		rec.ExecutedAt = time.UnixMilli(executed).UTC()
		rec.Duration = time.Duration(durUS) * time.Microsecond
		rec.CacheHit = cacheHit != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}
