package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Reachability maintenance. A row (a, d) means a path a -> ... -> d exists.
// All work happens in SQL against work tables keyed by a per-call work id,
// so the process holds no traversal state regardless of graph size.

// addReach closes the index over a new edge a -> b: every node that reached
// a (and a itself) now reaches b and everything b reaches. Edges must be
// added one at a time, each after the previous one is closed over.
func (w *txWriter) addReach(e *Edge) error {
	_, err := w.exec(`INSERT INTO reachability (ancestor, descendant)
		SELECT s.node, t.node FROM
		  (SELECT CAST(? AS TEXT) AS node UNION SELECT ancestor FROM reachability WHERE descendant = ?) s,
		  (SELECT CAST(? AS TEXT) AS node UNION SELECT descendant FROM reachability WHERE ancestor = ?) t
		WHERE true
		ON CONFLICT (ancestor, descendant) DO NOTHING`,
		e.Source, e.Source, e.Target, e.Target)
	return err
}

// removeReach repairs the index after edges were deleted from the edges
// table. Only ancestors that could have routed a path through a removed edge
// (each removed edge's source and everything that reached it) lose rows.
// Their rows are dropped and rebuilt generation by generation: generation 0
// is every current out-edge of an affected node, plus the intact closure of
// any unaffected target. Each later generation extends pairs whose
// descendant is itself affected by one edge. The loop ends when a generation
// adds nothing new.
func (w *txWriter) removeReach(removed []*Edge) (err error) {
	if len(removed) == 0 {
		return nil
	}
	work := uuid.NewString()
	defer func() {
		if cerr := w.clearWork(work); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, e := range removed {
		if _, err := w.exec(`INSERT INTO reach_work (work_id, node) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			work, e.Source); err != nil {
			return fmt.Errorf("seed affected: %w", err)
		}
		if _, err := w.exec(`INSERT INTO reach_work (work_id, node)
			SELECT ?, ancestor FROM reachability WHERE descendant = ?
			ON CONFLICT DO NOTHING`, work, e.Source); err != nil {
			return fmt.Errorf("seed affected ancestors: %w", err)
		}
	}

	if _, err := w.exec(`DELETE FROM reachability
		WHERE ancestor IN (SELECT node FROM reach_work WHERE work_id = ?)`, work); err != nil {
		return fmt.Errorf("drop affected rows: %w", err)
	}

	if _, err := w.exec(`INSERT INTO reach_frontier (work_id, gen, ancestor, descendant)
		SELECT ?, 0, w.node, e.target FROM reach_work w
		JOIN edges e ON e.source = w.node
		WHERE w.work_id = ?
		ON CONFLICT DO NOTHING`, work, work); err != nil {
		return fmt.Errorf("generation 0 edges: %w", err)
	}
	if _, err := w.exec(`INSERT INTO reach_frontier (work_id, gen, ancestor, descendant)
		SELECT ?, 0, w.node, r.descendant FROM reach_work w
		JOIN edges e ON e.source = w.node
		JOIN reachability r ON r.ancestor = e.target
		WHERE w.work_id = ?
		  AND NOT EXISTS (SELECT 1 FROM reach_work x WHERE x.work_id = w.work_id AND x.node = e.target)
		ON CONFLICT DO NOTHING`, work, work); err != nil {
		return fmt.Errorf("generation 0 closure: %w", err)
	}

	for gen := 0; ; gen++ {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		if _, err := w.exec(`INSERT INTO reachability (ancestor, descendant)
			SELECT ancestor, descendant FROM reach_frontier WHERE work_id = ? AND gen = ?
			ON CONFLICT (ancestor, descendant) DO NOTHING`, work, gen); err != nil {
			return fmt.Errorf("generation %d publish: %w", gen, err)
		}

		next := gen + 1
		if _, err := w.exec(`INSERT INTO reach_frontier (work_id, gen, ancestor, descendant)
			SELECT ?, ?, f.ancestor, e.target FROM reach_frontier f
			JOIN reach_work w ON w.work_id = f.work_id AND w.node = f.descendant
			JOIN edges e ON e.source = f.descendant
			WHERE f.work_id = ? AND f.gen = ?
			  AND NOT EXISTS (SELECT 1 FROM reachability r WHERE r.ancestor = f.ancestor AND r.descendant = e.target)
			ON CONFLICT DO NOTHING`, work, next, work, gen); err != nil {
			return fmt.Errorf("generation %d edges: %w", next, err)
		}
		if _, err := w.exec(`INSERT INTO reach_frontier (work_id, gen, ancestor, descendant)
			SELECT ?, ?, f.ancestor, r2.descendant FROM reach_frontier f
			JOIN reach_work w ON w.work_id = f.work_id AND w.node = f.descendant
			JOIN edges e ON e.source = f.descendant
			JOIN reachability r2 ON r2.ancestor = e.target
			WHERE f.work_id = ? AND f.gen = ?
			  AND NOT EXISTS (SELECT 1 FROM reach_work x WHERE x.work_id = f.work_id AND x.node = e.target)
			  AND NOT EXISTS (SELECT 1 FROM reachability r WHERE r.ancestor = f.ancestor AND r.descendant = r2.descendant)
			ON CONFLICT DO NOTHING`, work, next, work, gen); err != nil {
			return fmt.Errorf("generation %d closure: %w", next, err)
		}
		if _, err := w.exec(`DELETE FROM reach_frontier WHERE work_id = ? AND gen = ?`, work, gen); err != nil {
			return fmt.Errorf("generation %d retire: %w", gen, err)
		}

		var pending int64
		if err := w.queryRow(`SELECT COUNT(*) FROM reach_frontier WHERE work_id = ? AND gen = ?`,
			work, next).Scan(&pending); err != nil {
			return fmt.Errorf("generation %d count: %w", next, err)
		}
		if pending == 0 {
			return nil
		}
	}
}

// dropReachRows removes any rows naming deleted nodes.
func (w *txWriter) dropReachRows(nodeIDs []string) error {
	for _, part := range chunk(nodeIDs, w.max) {
		ph := placeholderList(len(part))
		args := stringsToArgs(part)
		both := append(append([]any{}, args...), args...)
		if _, err := w.exec(`DELETE FROM reachability WHERE ancestor IN (`+ph+`) OR descendant IN (`+ph+`)`, both...); err != nil {
			return err
		}
	}
	return nil
}

// clearWork drops the work rows of one removeReach call. Both deletes run
// even when the first fails.
func (w *txWriter) clearWork(work string) error {
	var errs []error
	if _, err := w.exec(`DELETE FROM reach_frontier WHERE work_id = ?`, work); err != nil {
		errs = append(errs, fmt.Errorf("clear reach frontier: %w", err))
	}
	if _, err := w.exec(`DELETE FROM reach_work WHERE work_id = ?`, work); err != nil {
		errs = append(errs, fmt.Errorf("clear reach work: %w", err))
	}
	return errors.Join(errs...)
}
