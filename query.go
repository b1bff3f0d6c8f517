package conflux

import (
	"context"
	"fmt"

	"github.com/jward/conflux/internal/store"
)

// QueryBuilder provides read access to the graph.
type QueryBuilder struct {
	store *store.Store
}

// Pagination controls offset+limit paging on list results.
type Pagination struct {
	Offset int // skip this many results (default 0)
	Limit  int // max results to return (default 50, max 500)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// normalize returns a Pagination with defaults applied and bounds enforced.
func (p Pagination) normalize() Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// PagedResult wraps a page of results with the total count.
type PagedResult[T any] struct {
	Items      []T
	TotalCount int // total matching results (before pagination)
}

// page drains it, keeping only the requested window. The whole sequence is
// counted but at most one store batch plus the window is held in memory.
func page(it *store.NodeIter, p Pagination) (*PagedResult[*Node], error) {
	p = p.normalize()
	out := &PagedResult[*Node]{}
	for it.Next() {
		if out.TotalCount >= p.Offset && len(out.Items) < p.Limit {
			out.Items = append(out.Items, it.Node())
		}
		out.TotalCount++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Node returns the node with id, or nil.
func (q *QueryBuilder) Node(ctx context.Context, id string) (*Node, error) {
	n, err := q.store.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	return n, nil
}

// Resolve finds the node a user refers to: a node ID, or a name or
// qualified name within repository. Ambiguous names return every match.
func (q *QueryBuilder) Resolve(ctx context.Context, repository, ref string) ([]*Node, error) {
	n, err := q.store.GetNode(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	if n != nil {
		return []*Node{n}, nil
	}
	nodes, err := q.store.FindNodes(ctx, repository, ref, maxLimit)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	return nodes, nil
}

// Dependencies lists the nodes id depends on directly.
func (q *QueryBuilder) Dependencies(ctx context.Context, id string, p Pagination) (*PagedResult[*Node], error) {
	res, err := page(q.store.Neighbors(ctx, id, store.Outgoing, ""), p)
	if err != nil {
		return nil, fmt.Errorf("dependencies: %w", err)
	}
	return res, nil
}

// Dependents lists the nodes that depend on id directly.
func (q *QueryBuilder) Dependents(ctx context.Context, id string, p Pagination) (*PagedResult[*Node], error) {
	res, err := page(q.store.Neighbors(ctx, id, store.Incoming, ""), p)
	if err != nil {
		return nil, fmt.Errorf("dependents: %w", err)
	}
	return res, nil
}

// Impact lists every node that transitively depends on id: what a change to
// id can affect.
func (q *QueryBuilder) Impact(ctx context.Context, id string, p Pagination) (*PagedResult[*Node], error) {
	res, err := page(q.store.Ancestors(ctx, id, ""), p)
	if err != nil {
		return nil, fmt.Errorf("impact: %w", err)
	}
	return res, nil
}

// LeadsTo reports whether ancestor transitively depends on descendant.
func (q *QueryBuilder) LeadsTo(ctx context.Context, ancestor, descendant string) (bool, error) {
	ok, err := q.store.LeadsTo(ctx, ancestor, descendant)
	if err != nil {
		return false, fmt.Errorf("leads to: %w", err)
	}
	return ok, nil
}

// FileNodes lists the nodes defined in a file, module node included.
func (q *QueryBuilder) FileNodes(ctx context.Context, repository, path string, p Pagination) (*PagedResult[*Node], error) {
	res, err := page(q.store.NodesByFile(ctx, repository, path), p)
	if err != nil {
		return nil, fmt.Errorf("file nodes: %w", err)
	}
	return res, nil
}

// History returns the applied versions of a file, newest first.
func (q *QueryBuilder) History(ctx context.Context, repository, path string, limit int) ([]*FileVersion, error) {
	evs, err := q.store.ChangeEvents(ctx, repository, path, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return evs, nil
}

// Lineage returns the provenance records of a node, newest first.
func (q *QueryBuilder) Lineage(ctx context.Context, subjectID string, limit int) ([]*LineageRecord, error) {
	recs, err := q.store.Lineage(ctx, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("lineage: %w", err)
	}
	return recs, nil
}

// Stats summarizes the stored graph.
func (q *QueryBuilder) Stats(ctx context.Context) (*Stats, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
