package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GraphStore is the storage contract every backend honors. Multi-node reads
// are lazy, bounded-batch sequences; LeadsTo is a single index lookup.
type GraphStore interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	Neighbors(ctx context.Context, id string, dir Direction, cursor string) *NodeIter
	LeadsTo(ctx context.Context, ancestor, descendant string) (bool, error)
	ApplyDiff(ctx context.Context, diff *Diff) (*CommitResult, error)
}

// Graph is the read/write surface the update engine and tiers use on top of
// the core contract.
type Graph interface {
	GraphStore
	Ancestors(ctx context.Context, id string, cursor string) *NodeIter
	Descendants(ctx context.Context, id string, cursor string) *NodeIter
	CountAncestors(ctx context.Context, id string) (int64, error)
	CriticalAncestors(ctx context.Context, id string) (int64, error)
	NodesByFile(ctx context.Context, repository, path string) *NodeIter
	EdgesByFile(ctx context.Context, repository, path string) ([]*Edge, error)
	FindNodes(ctx context.Context, repository, name string, limit int) ([]*Node, error)
	FileState(ctx context.Context, repository, lineage, path string) (*FileState, error)
	RecordLineage(ctx context.Context, rec *LineageRecord) error
	Lineage(ctx context.Context, subjectID string, limit int) ([]*LineageRecord, error)
	Stats(ctx context.Context) (*Stats, error)
	BatchSize() int
}

var _ Graph = (*Store)(nil)

const nodeColumns = `n.id, n.kind, n.repository, n.path, n.name, n.qualified_name, n.language,
  n.start_line, n.end_line, n.visibility, n.signature, n.signature_hash, n.content_hash,
  n.tags, n.lineage, n.revision, n.version_ts, n.change_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(sc rowScanner) (*Node, error) {
	var (
		n         Node
		kind      string
		sig, tags string
		versionTS int64
	)
	if err := sc.Scan(&n.ID, &kind, &n.Repository, &n.Path, &n.Name, &n.QualifiedName, &n.Language,
		&n.StartLine, &n.EndLine, &n.Visibility, &sig, &n.SignatureHash, &n.ContentHash,
		&tags, &n.Version.Lineage, &n.Version.Revision, &versionTS, &n.ChangeSeq); err != nil {
		return nil, err
	}
	n.Kind = NodeKind(kind)
	n.Signature = unmarshalSignature(sig)
	n.Tags = unmarshalTags(tags)
	if versionTS != 0 {
		n.Version.Timestamp = time.UnixMilli(versionTS).UTC()
	}
	return &n, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns the node with id, or nil if it does not exist.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+nodeColumns+` FROM nodes n WHERE n.id = ?`), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// pagedNodes builds a keyset-paginated fetch over nodes matching where.
// where must reference the node alias n and take args before the cursor.
func (s *Store) pagedNodes(where string, args ...any) fetchFunc {
	query := `SELECT ` + nodeColumns + ` FROM nodes n WHERE ` + where + ` AND n.id > ? ORDER BY n.id LIMIT ?`
	return func(ctx context.Context, after string, limit int) ([]*Node, error) {
		qargs := make([]any, 0, len(args)+2)
		qargs = append(qargs, args...)
		qargs = append(qargs, after, limit)
		nodes, err := s.queryNodes(ctx, query, qargs...)
		if err != nil {
			return nil, fmt.Errorf("fetch nodes: %w", err)
		}
		return nodes, nil
	}
}

// Neighbors streams the one-hop neighbors of id. Outgoing yields the nodes id
// depends on; Incoming yields its dependents. Each node appears once even if
// several edge kinds connect the pair.
func (s *Store) Neighbors(ctx context.Context, id string, dir Direction, cursor string) *NodeIter {
	where := `n.id IN (SELECT target FROM edges WHERE source = ?)`
	if dir == Incoming {
		where = `n.id IN (SELECT source FROM edges WHERE target = ?)`
	}
	return newNodeIter(ctx, s.batchSize, cursor, s.pagedNodes(where, id))
}

// Ancestors streams every node that transitively depends on id, read from
// the reachability index.
func (s *Store) Ancestors(ctx context.Context, id string, cursor string) *NodeIter {
	return newNodeIter(ctx, s.batchSize, cursor,
		s.pagedNodes(`n.id IN (SELECT ancestor FROM reachability WHERE descendant = ?)`, id))
}

// Descendants streams every node id transitively depends on.
func (s *Store) Descendants(ctx context.Context, id string, cursor string) *NodeIter {
	return newNodeIter(ctx, s.batchSize, cursor,
		s.pagedNodes(`n.id IN (SELECT descendant FROM reachability WHERE ancestor = ?)`, id))
}

// NodesByFile streams the nodes declared in one file.
func (s *Store) NodesByFile(ctx context.Context, repository, path string) *NodeIter {
	return newNodeIter(ctx, s.batchSize, "",
		s.pagedNodes(`n.repository = ? AND n.path = ?`, repository, path))
}

// CountAncestors counts the transitive dependents of id.
func (s *Store) CountAncestors(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM reachability WHERE descendant = ?`), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ancestors: %w", err)
	}
	return n, nil
}

// CriticalAncestors counts transitive dependents of id tagged critical.
func (s *Store) CriticalAncestors(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*) FROM reachability r
		JOIN nodes n ON n.id = r.ancestor
		WHERE r.descendant = ? AND n.critical = 1`), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count critical ancestors: %w", err)
	}
	return n, nil
}

// LeadsTo reports whether a change to descendant can affect ancestor, that
// is whether a dependency path ancestor -> ... -> descendant exists.
func (s *Store) LeadsTo(ctx context.Context, ancestor, descendant string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT 1 FROM reachability WHERE ancestor = ? AND descendant = ?`),
		ancestor, descendant).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leads to: %w", err)
	}
	return true, nil
}

// EdgesByFile returns the edges declared by one file.
func (s *Store) EdgesByFile(ctx context.Context, repository, path string) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id, source, target, kind, creation_method, ref_name, repository, path
		FROM edges WHERE repository = ? AND path = ? ORDER BY id`), repository, path)
	if err != nil {
		return nil, fmt.Errorf("edges by file: %w", err)
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		var (
			e            Edge
			kind, method string
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &kind, &method, &e.RefName, &e.Repository, &e.Path); err != nil {
			return nil, fmt.Errorf("edges by file: scan: %w", err)
		}
		e.Kind = EdgeKind(kind)
		e.CreationMethod = CreationMethod(method)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// FindNodes returns up to limit nodes in repository whose name or qualified
// name equals name, ordered by ID.
func (s *Store) FindNodes(ctx context.Context, repository, name string, limit int) ([]*Node, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes n
		WHERE n.repository = ? AND (n.name = ? OR n.qualified_name = ?) AND n.kind <> ?
		ORDER BY n.id LIMIT ?`, repository, name, name, string(KindModule), limit)
	if err != nil {
		return nil, fmt.Errorf("find nodes %q: %w", name, err)
	}
	return nodes, nil
}

// FileState returns the last applied state of a file within a lineage, or
// nil if the file was never applied there.
func (s *Store) FileState(ctx context.Context, repository, lineage, path string) (*FileState, error) {
	var (
		fs      FileState
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT repository, lineage, path, content_hash, language, change_seq, updated_at
		FROM file_state WHERE repository = ? AND lineage = ? AND path = ?`),
		repository, lineage, path).Scan(&fs.Repository, &fs.Lineage, &fs.Path, &fs.ContentHash,
		&fs.Language, &fs.ChangeSeq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file state: %w", err)
	}
	fs.UpdatedAt = time.UnixMilli(updated).UTC()
	return &fs, nil
}

// ChangeEvents returns change events for a file, newest first.
func (s *Store) ChangeEvents(ctx context.Context, repository, path string, limit int) ([]*ChangeEvent, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT seq, repository, path, lineage, revision, version_ts, content_hash, recorded_at
		FROM change_events WHERE repository = ? AND path = ? ORDER BY seq DESC LIMIT ?`),
		repository, path, limit)
	if err != nil {
		return nil, fmt.Errorf("change events: %w", err)
	}
	defer rows.Close()
	var out []*ChangeEvent
	for rows.Next() {
		var (
			ce           ChangeEvent
			vts, records int64
		)
		if err := rows.Scan(&ce.Seq, &ce.Repository, &ce.Path, &ce.Version.Lineage, &ce.Version.Revision,
			&vts, &ce.ContentHash, &records); err != nil {
			return nil, fmt.Errorf("change events: scan: %w", err)
		}
		if vts != 0 {
			ce.Version.Timestamp = time.UnixMilli(vts).UTC()
		}
		ce.RecordedAt = time.UnixMilli(records).UTC()
		out = append(out, &ce)
	}
	return out, rows.Err()
}
