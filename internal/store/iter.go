package store

import "context"

// fetchFunc loads up to limit nodes ordered by ID strictly after cursor.
type fetchFunc func(ctx context.Context, after string, limit int) ([]*Node, error)

// NodeIter is a lazy, finite sequence of nodes read in batches of at most
// the store's batch size. It holds one batch at a time; Cursor can be passed
// back to the producing call to resume after the last node returned.
//
//	it := s.Neighbors(ctx, id, store.Incoming, "")
//	for it.Next() {
//		n := it.Node()
//	}
//	if err := it.Err(); err != nil { ... }
type NodeIter struct {
	ctx    context.Context
	fetch  fetchFunc
	limit  int
	batch  []*Node
	pos    int
	cur    *Node
	cursor string
	done   bool
	err    error
}

func newNodeIter(ctx context.Context, limit int, cursor string, fetch fetchFunc) *NodeIter {
	return &NodeIter{ctx: ctx, fetch: fetch, limit: limit, cursor: cursor}
}

// Next advances to the next node, fetching a new batch when the current one
// is exhausted. It returns false at the end or on error.
func (it *NodeIter) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.batch) {
		if it.done {
			it.cur = nil
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		// Release the previous batch before loading the next one.
		it.batch = nil
		it.pos = 0
		batch, err := it.fetch(it.ctx, it.cursor, it.limit)
		if err != nil {
			it.err = err
			return false
		}
		if len(batch) < it.limit {
			it.done = true
		}
		if len(batch) == 0 {
			it.cur = nil
			return false
		}
		it.batch = batch
	}
	it.cur = it.batch[it.pos]
	it.batch[it.pos] = nil
	it.pos++
	it.cursor = it.cur.ID
	return true
}

// Node returns the current node.
func (it *NodeIter) Node() *Node {
	return it.cur
}

// Err returns the first error encountered.
func (it *NodeIter) Err() error {
	return it.err
}

// Cursor returns the ID of the last node returned.
func (it *NodeIter) Cursor() string {
	return it.cursor
}

// Buffered returns how many nodes the iterator currently holds, including
// the current one.
func (it *NodeIter) Buffered() int {
	n := len(it.batch) - it.pos
	if it.cur != nil {
		n++
	}
	return n
}

// Collect drains the iterator. Only for sequences known to be small, such as
// the symbols of a single file.
func (it *NodeIter) Collect() ([]*Node, error) {
	var out []*Node
	for it.Next() {
		out = append(out, it.Node())
	}
	return out, it.Err()
}

// EachBatch calls fn with successive batches of IDs, each at most the
// iterator's batch bound, and stops at the first error.
func (it *NodeIter) EachBatch(fn func(ids []string) error) error {
	ids := make([]string, 0, it.limit)
	for it.Next() {
		ids = append(ids, it.Node().ID)
		if len(ids) == it.limit {
			if err := fn(ids); err != nil {
				return err
			}
			ids = ids[:0]
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(ids) > 0 {
		return fn(ids)
	}
	return nil
}
