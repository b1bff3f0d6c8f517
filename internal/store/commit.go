package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/retry"
)

// ApplyDiff applies a file version's node and edge deltas, its pending
// references, the change event, the file state and an optional lineage
// record in one transaction. Reachability is updated in the same
// transaction: removals are recomputed first, then additions are closed
// over. Transaction conflicts are retried with backoff; when retries run out
// the error wraps ErrTransactionConflict.
func (s *Store) ApplyDiff(ctx context.Context, diff *Diff) (*CommitResult, error) {
	if diff == nil {
		return nil, errors.New("apply diff: nil diff")
	}
	unlock := s.locks.lock(diffLockKeys(diff))
	defer unlock()

	var result *CommitResult
	res := retry.Do(ctx, s.retry, s.d.isConflict, func(int) error {
		r, err := s.applyDiffOnce(ctx, diff)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("transaction conflict, retrying",
			zap.String("path", diff.Path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if res.Err != nil {
		if s.d.isConflict(res.Err) {
			return nil, fmt.Errorf("apply diff %s: %w after %d attempts: %v", diff.Path, ErrTransactionConflict, res.Attempts, res.Err)
		}
		return nil, fmt.Errorf("apply diff %s: %w", diff.Path, res.Err)
	}
	result.Attempts = res.Attempts
	return result, nil
}

// txWriter runs rebound statements inside one transaction.
type txWriter struct {
	ctx context.Context
	tx  *sql.Tx
	d   dialect
	max int
}

func (w *txWriter) exec(query string, args ...any) (sql.Result, error) {
	return w.tx.ExecContext(w.ctx, w.d.rebind(query), args...)
}

func (w *txWriter) queryRow(query string, args ...any) *sql.Row {
	return w.tx.QueryRowContext(w.ctx, w.d.rebind(query), args...)
}

func (w *txWriter) query(query string, args ...any) (*sql.Rows, error) {
	return w.tx.QueryContext(w.ctx, w.d.rebind(query), args...)
}

func (s *Store) applyDiffOnce(ctx context.Context, diff *Diff) (*CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, s.d.txOptions())
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	w := &txWriter{ctx: ctx, tx: tx, d: s.d, max: s.batchSize}
	now := time.Now()

	// 1. Change event first: every node written below carries its seq.
	seq, err := w.insertChangeEvent(diff, now)
	if err != nil {
		return nil, fmt.Errorf("change event: %w", err)
	}
	result := &CommitResult{ChangeSeq: seq}

	var (
		removeNodeIDs []string
		removeEdgeIDs []string
		upserts       []*Node
		addEdges      []*Edge
	)
	for _, nd := range diff.Nodes {
		if nd.Node == nil {
			continue
		}
		switch nd.Op {
		case OpRemove:
			removeNodeIDs = append(removeNodeIDs, nd.Node.ID)
		case OpAdd, OpUpdate:
			upserts = append(upserts, nd.Node)
		}
	}
	for _, ed := range diff.Edges {
		if ed.Edge == nil {
			continue
		}
		switch ed.Op {
		case OpRemove:
			removeEdgeIDs = append(removeEdgeIDs, ed.Edge.ID)
		case OpAdd:
			addEdges = append(addEdges, ed.Edge)
		}
	}
	removeNodeIDs = sortedUnique(removeNodeIDs)

	// 2. Edge removals, explicit and incident to removed nodes.
	removed, err := w.deleteEdgesByID(removeEdgeIDs)
	if err != nil {
		return nil, fmt.Errorf("remove edges: %w", err)
	}
	incident, err := w.deleteIncidentEdges(removeNodeIDs)
	if err != nil {
		return nil, fmt.Errorf("remove incident edges: %w", err)
	}
	if err := w.parkEdges(incident, removeNodeIDs, diff.Path); err != nil {
		return nil, fmt.Errorf("park edges: %w", err)
	}
	removed = append(removed, incident...)
	result.RemovedEdges = removed

	// 3. Node removals.
	if err := w.deleteNodes(removeNodeIDs); err != nil {
		return nil, fmt.Errorf("remove nodes: %w", err)
	}
	result.RemovedNodes = removeNodeIDs

	// 4. Reachability shrinks before anything is added.
	if err := w.removeReach(removed); err != nil {
		return nil, fmt.Errorf("reachability removal: %w", err)
	}
	if err := w.dropReachRows(removeNodeIDs); err != nil {
		return nil, fmt.Errorf("reachability cleanup: %w", err)
	}

	// 5. Node upserts.
	for _, n := range upserts {
		inserted, err := w.upsertNode(n, diff.Version, seq)
		if err != nil {
			return nil, fmt.Errorf("upsert node %s: %w", n.QualifiedName, err)
		}
		if inserted {
			result.AddedNodes = append(result.AddedNodes, n.ID)
		} else {
			result.UpdatedNodes = append(result.UpdatedNodes, n.ID)
		}
	}

	// 6. Pending references of this file are replaced wholesale, then any
	// parked reference naming a newly added node is resolved.
	if err := w.replacePending(diff); err != nil {
		return nil, fmt.Errorf("pending refs: %w", err)
	}
	for _, n := range upserts {
		if !containsString(result.AddedNodes, n.ID) || n.Kind == KindModule {
			continue
		}
		resolved, err := w.resolvePending(n)
		if err != nil {
			return nil, fmt.Errorf("resolve pending for %s: %w", n.QualifiedName, err)
		}
		addEdges = append(addEdges, resolved...)
	}

	// 7. Edge additions and their reachability closure.
	for _, e := range addEdges {
		inserted, err := w.insertEdge(e, seq)
		if err != nil {
			return nil, fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
		if !inserted {
			continue
		}
		if err := w.addReach(e); err != nil {
			return nil, fmt.Errorf("reachability add: %w", err)
		}
		result.AddedEdges = append(result.AddedEdges, e)
	}

	// 8. File state and provenance.
	if err := w.upsertFileState(diff, seq, now); err != nil {
		return nil, fmt.Errorf("file state: %w", err)
	}
	if diff.Lineage != nil {
		diff.Lineage.ChangeSeq = seq
		if err := w.insertLineage(diff.Lineage); err != nil {
			return nil, fmt.Errorf("lineage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (w *txWriter) insertChangeEvent(d *Diff, now time.Time) (int64, error) {
	var seq int64
	err := w.queryRow(`INSERT INTO change_events
		(repository, path, lineage, revision, version_ts, content_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		d.Repository, d.Path, d.Version.Lineage, d.Version.Revision, unixMilli(d.Version.Timestamp),
		d.ContentHash, now.UnixMilli()).Scan(&seq)
	return seq, err
}

// upsertNode writes n and reports whether it was newly inserted.
func (w *txWriter) upsertNode(n *Node, v SourceVersion, seq int64) (bool, error) {
	var exists int
	err := w.queryRow(`SELECT 1 FROM nodes WHERE id = ?`, n.ID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	inserted := errors.Is(err, sql.ErrNoRows)

	_, err = w.exec(`INSERT INTO nodes
		(id, repository, path, kind, name, qualified_name, language, start_line, end_line, visibility,
		 signature, signature_hash, content_hash, tags, critical, lineage, revision, version_ts, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  start_line = excluded.start_line, end_line = excluded.end_line,
		  visibility = excluded.visibility, signature = excluded.signature,
		  signature_hash = excluded.signature_hash, content_hash = excluded.content_hash,
		  tags = excluded.tags, critical = excluded.critical, language = excluded.language,
		  lineage = excluded.lineage, revision = excluded.revision,
		  version_ts = excluded.version_ts, change_seq = excluded.change_seq`,
		n.ID, n.Repository, n.Path, string(n.Kind), n.Name, n.QualifiedName, n.Language,
		n.StartLine, n.EndLine, n.Visibility, marshalSignature(n.Signature), n.SignatureHash,
		n.ContentHash, marshalTags(n.Tags), boolToInt(n.Critical()),
		v.Lineage, v.Revision, unixMilli(v.Timestamp), seq)
	if err != nil {
		return false, err
	}
	n.Version = v
	n.ChangeSeq = seq
	return inserted, nil
}

// insertEdge writes e and reports whether it was new.
func (w *txWriter) insertEdge(e *Edge, seq int64) (bool, error) {
	res, err := w.exec(`INSERT INTO edges
		(id, source, target, kind, creation_method, ref_name, repository, path, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Source, e.Target, string(e.Kind), string(e.CreationMethod), e.RefName,
		e.Repository, e.Path, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const edgeColumns = `id, source, target, kind, creation_method, ref_name, repository, path`

func (w *txWriter) selectEdges(where string, args ...any) ([]*Edge, error) {
	rows, err := w.query(`SELECT `+edgeColumns+` FROM edges WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		var (
			e            Edge
			kind, method string
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &kind, &method, &e.RefName, &e.Repository, &e.Path); err != nil {
			return nil, err
		}
		e.Kind = EdgeKind(kind)
		e.CreationMethod = CreationMethod(method)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

func (w *txWriter) deleteEdgesByID(ids []string) ([]*Edge, error) {
	var removed []*Edge
	for _, part := range chunk(sortedUnique(ids), w.max) {
		ph := placeholderList(len(part))
		args := stringsToArgs(part)
		edges, err := w.selectEdges(`id IN (`+ph+`)`, args...)
		if err != nil {
			return nil, err
		}
		if _, err := w.exec(`DELETE FROM edges WHERE id IN (`+ph+`)`, args...); err != nil {
			return nil, err
		}
		removed = append(removed, edges...)
	}
	return removed, nil
}

func (w *txWriter) deleteIncidentEdges(nodeIDs []string) ([]*Edge, error) {
	var removed []*Edge
	for _, part := range chunk(nodeIDs, w.max) {
		ph := placeholderList(len(part))
		args := stringsToArgs(part)
		both := append(append([]any{}, args...), args...)
		edges, err := w.selectEdges(`source IN (`+ph+`) OR target IN (`+ph+`)`, both...)
		if err != nil {
			return nil, err
		}
		if _, err := w.exec(`DELETE FROM edges WHERE source IN (`+ph+`) OR target IN (`+ph+`)`, both...); err != nil {
			return nil, err
		}
		removed = append(removed, edges...)
	}
	return removed, nil
}

// parkEdges turns incoming edges from other files into pending references so
// they reconnect if a node with the same name reappears.
func (w *txWriter) parkEdges(edges []*Edge, removedNodes []string, path string) error {
	for _, e := range edges {
		if e.Path == path || containsString(removedNodes, e.Source) || e.RefName == "" {
			continue
		}
		if _, err := w.exec(`INSERT INTO pending_refs (repository, path, source, target_name, kind)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			e.Repository, e.Path, e.Source, e.RefName, string(e.Kind)); err != nil {
			return err
		}
	}
	return nil
}

func (w *txWriter) deleteNodes(ids []string) error {
	for _, part := range chunk(ids, w.max) {
		ph := placeholderList(len(part))
		args := stringsToArgs(part)
		if _, err := w.exec(`DELETE FROM nodes WHERE id IN (`+ph+`)`, args...); err != nil {
			return err
		}
		if _, err := w.exec(`DELETE FROM pending_refs WHERE source IN (`+ph+`)`, args...); err != nil {
			return err
		}
	}
	return nil
}

func (w *txWriter) replacePending(d *Diff) error {
	if _, err := w.exec(`DELETE FROM pending_refs WHERE repository = ? AND path = ?`, d.Repository, d.Path); err != nil {
		return err
	}
	for _, p := range d.Pending {
		if _, err := w.exec(`INSERT INTO pending_refs (repository, path, source, target_name, kind)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			d.Repository, d.Path, p.Source, p.TargetName, string(p.Kind)); err != nil {
			return err
		}
	}
	return nil
}

// resolvePending converts parked references naming n into inferred edges.
func (w *txWriter) resolvePending(n *Node) ([]*Edge, error) {
	rows, err := w.query(`SELECT path, source, target_name, kind FROM pending_refs
		WHERE repository = ? AND (target_name = ? OR target_name = ?) AND source <> ?`,
		n.Repository, n.Name, n.QualifiedName, n.ID)
	if err != nil {
		return nil, err
	}
	var edges []*Edge
	for rows.Next() {
		var path, source, name, kind string
		if err := rows.Scan(&path, &source, &name, &kind); err != nil {
			rows.Close()
			return nil, err
		}
		edges = append(edges, &Edge{
			ID:             EdgeID(source, n.ID, EdgeKind(kind)),
			Source:         source,
			Target:         n.ID,
			Kind:           EdgeKind(kind),
			CreationMethod: CreatedInferred,
			RefName:        name,
			Repository:     n.Repository,
			Path:           path,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		if _, err := w.exec(`DELETE FROM pending_refs WHERE repository = ? AND (target_name = ? OR target_name = ?) AND source <> ?`,
			n.Repository, n.Name, n.QualifiedName, n.ID); err != nil {
			return nil, err
		}
	}
	return edges, nil
}

func (w *txWriter) upsertFileState(d *Diff, seq int64, now time.Time) error {
	_, err := w.exec(`INSERT INTO file_state (repository, lineage, path, content_hash, language, change_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository, lineage, path) DO UPDATE SET
		  content_hash = excluded.content_hash, language = excluded.language,
		  change_seq = excluded.change_seq, updated_at = excluded.updated_at`,
		d.Repository, d.Version.Lineage, d.Path, d.ContentHash, d.Language, seq, now.UnixMilli())
	return err
}

func (w *txWriter) insertLineage(rec *LineageRecord) error {
	if rec.ID == "" {
		// Time-ordered so records in the same millisecond keep insert order.
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		rec.ID = id.String()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	_, err := w.exec(`INSERT INTO lineage_records
		(id, subject_id, subject_kind, operation, input_hash, output_hash, executed_at, duration_us, cache_hit, error, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SubjectID, rec.SubjectKind, rec.Operation, rec.InputHash, rec.OutputHash,
		rec.ExecutedAt.UnixMilli(), rec.Duration.Microseconds(), boolToInt(rec.CacheHit), rec.Error, rec.ChangeSeq)
	return err
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
