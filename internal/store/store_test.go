package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "acme/payments"

func newTestStore(t *testing.T) *Store {
	return newTestStoreBatch(t, 0)
}

func newTestStoreBatch(t *testing.T, batch int) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Config{Backend: BackendSQLite, DSN: dbPath, BatchSize: batch})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testVersion = SourceVersion{Lineage: "main", Revision: "r1", Timestamp: time.UnixMilli(1_700_000_000_000).UTC()}

func fn(path, qname string) *Node {
	n := &Node{
		Kind:          KindFunction,
		Repository:    testRepo,
		Path:          path,
		Name:          qname,
		QualifiedName: qname,
		Language:      "go",
		Signature:     Signature{Params: []Param{{Name: "x", Type: "int"}}},
	}
	n.ID = NodeID(n.Kind, n.Repository, n.Path, n.QualifiedName)
	n.SignatureHash = ComputeSignatureHash(n.Kind, n.Visibility, n.Signature)
	return n
}

func dep(src, dst *Node) *Edge {
	return &Edge{
		ID:             EdgeID(src.ID, dst.ID, EdgeCalls),
		Source:         src.ID,
		Target:         dst.ID,
		Kind:           EdgeCalls,
		CreationMethod: CreatedSyntactic,
		RefName:        dst.Name,
		Repository:     testRepo,
		Path:           src.Path,
	}
}

func addDiff(path string, nodes []*Node, edges []*Edge) *Diff {
	d := &Diff{Repository: testRepo, Path: path, Language: "go", ContentHash: fmt.Sprintf("h-%s-%d", path, len(nodes)), Version: testVersion}
	for _, n := range nodes {
		d.Nodes = append(d.Nodes, NodeDelta{Op: OpAdd, Node: n})
	}
	for _, e := range edges {
		d.Edges = append(d.Edges, EdgeDelta{Op: OpAdd, Edge: e})
	}
	return d
}

func apply(t *testing.T, s *Store, d *Diff) *CommitResult {
	t.Helper()
	res, err := s.ApplyDiff(context.Background(), d)
	require.NoError(t, err)
	return res
}

func leads(t *testing.T, s *Store, a, b *Node) bool {
	t.Helper()
	ok, err := s.LeadsTo(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	return ok
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Backend: "mongo", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestGetNode_Missing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	n, err := s.GetNode(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, n)
}

// =============================================================================
// ApplyDiff
// =============================================================================

func TestApplyDiff_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := fn("a.go", "Charge")
	a.Tags = []string{TagCritical}
	a.Signature.Returns = []string{"error"}

	res := apply(t, s, addDiff("a.go", []*Node{a}, nil))
	assert.Equal(t, []string{a.ID}, res.AddedNodes)
	assert.Positive(t, res.ChangeSeq)
	assert.Equal(t, 1, res.Attempts)

	got, err := s.GetNode(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Charge", got.Name)
	assert.Equal(t, KindFunction, got.Kind)
	assert.Equal(t, a.Signature, got.Signature)
	assert.True(t, got.Critical())
	assert.Equal(t, testVersion, got.Version)
	assert.Equal(t, res.ChangeSeq, got.ChangeSeq)
}

func TestApplyDiff_UpdateKeepsIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := fn("a.go", "Charge")
	apply(t, s, addDiff("a.go", []*Node{a}, nil))

	a2 := fn("a.go", "Charge")
	a2.Signature.Params = append(a2.Signature.Params, Param{Name: "y", Type: "string"})
	a2.SignatureHash = ComputeSignatureHash(a2.Kind, a2.Visibility, a2.Signature)
	d := &Diff{Repository: testRepo, Path: "a.go", ContentHash: "h2", Version: testVersion,
		Nodes: []NodeDelta{{Op: OpUpdate, Node: a2}}}
	res := apply(t, s, d)
	assert.Empty(t, res.AddedNodes)
	assert.Equal(t, []string{a.ID}, res.UpdatedNodes)

	got, err := s.GetNode(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Signature.Params, 2)
	assert.NotEqual(t, a.SignatureHash, got.SignatureHash)
}

func TestApplyDiff_RecordsChangeEventAndFileState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	d := addDiff("a.go", []*Node{fn("a.go", "A")}, nil)
	d.Lineage = &LineageRecord{SubjectID: "module-a", Operation: "ingest", InputHash: d.ContentHash}
	res := apply(t, s, d)

	fs, err := s.FileState(ctx, testRepo, "main", "a.go")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, d.ContentHash, fs.ContentHash)
	assert.Equal(t, res.ChangeSeq, fs.ChangeSeq)

	other, err := s.FileState(ctx, testRepo, "feature", "a.go")
	require.NoError(t, err)
	assert.Nil(t, other, "state is scoped to the lineage")

	events, err := s.ChangeEvents(ctx, testRepo, "a.go", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.ChangeSeq, events[0].Seq)

	recs, err := s.Lineage(ctx, "module-a", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.ChangeSeq, recs[0].ChangeSeq)
	assert.False(t, recs[0].CacheHit)
}

func TestApplyDiff_Nil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.ApplyDiff(context.Background(), nil)
	require.Error(t, err)
}

func TestApplyDiff_CancelledContextLeavesNoTrace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ApplyDiff(ctx, addDiff("a.go", []*Node{fn("a.go", "A")}, nil))
	require.Error(t, err)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Nodes)
	assert.Zero(t, st.Changes)
}

// =============================================================================
// Reachability
// =============================================================================

func TestReachability_ChainIsTransitive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a, b, c := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C")

	assert.False(t, leads(t, s, a, b), "nothing before commit")
	apply(t, s, addDiff("f.go", []*Node{a, b, c}, []*Edge{dep(a, b), dep(b, c)}))

	assert.True(t, leads(t, s, a, b))
	assert.True(t, leads(t, s, b, c))
	assert.True(t, leads(t, s, a, c))
	assert.False(t, leads(t, s, c, a))
	assert.False(t, leads(t, s, b, a))
}

func TestReachability_EdgesAcrossDiffs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a, b := fn("a.go", "A"), fn("a.go", "B")
	c, d := fn("c.go", "C"), fn("c.go", "D")
	apply(t, s, addDiff("c.go", []*Node{c, d}, []*Edge{dep(c, d)}))
	apply(t, s, addDiff("a.go", []*Node{a, b}, []*Edge{dep(a, b)}))
	assert.False(t, leads(t, s, a, d))

	// Linking B -> C joins both chains.
	apply(t, s, &Diff{Repository: testRepo, Path: "a.go", ContentHash: "x", Version: testVersion,
		Edges: []EdgeDelta{{Op: OpAdd, Edge: dep(b, c)}}})
	assert.True(t, leads(t, s, a, d))
	assert.True(t, leads(t, s, b, d))
}

func TestReachability_RemoveEdgeKeepsAlternatePath(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// Diamond: A -> B -> D, A -> C -> D
	a, b, c, d := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C"), fn("f.go", "D")
	ab := dep(a, b)
	apply(t, s, addDiff("f.go", []*Node{a, b, c, d}, []*Edge{ab, dep(b, d), dep(a, c), dep(c, d)}))
	require.True(t, leads(t, s, a, d))

	res := apply(t, s, &Diff{Repository: testRepo, Path: "f.go", ContentHash: "x", Version: testVersion,
		Edges: []EdgeDelta{{Op: OpRemove, Edge: &Edge{ID: ab.ID}}}})
	require.Len(t, res.RemovedEdges, 1)

	assert.False(t, leads(t, s, a, b))
	assert.True(t, leads(t, s, a, d), "A still reaches D through C")
	assert.True(t, leads(t, s, b, d))
}

func TestReachability_RemoveEdgeBreaksChain(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// X -> A -> B -> C -> D; remove B -> C.
	x, a, b, c, d := fn("f.go", "X"), fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C"), fn("f.go", "D")
	bc := dep(b, c)
	apply(t, s, addDiff("f.go", []*Node{x, a, b, c, d}, []*Edge{dep(x, a), dep(a, b), bc, dep(c, d)}))

	apply(t, s, &Diff{Repository: testRepo, Path: "f.go", ContentHash: "x", Version: testVersion,
		Edges: []EdgeDelta{{Op: OpRemove, Edge: bc}}})

	assert.True(t, leads(t, s, x, b))
	assert.False(t, leads(t, s, x, c))
	assert.False(t, leads(t, s, a, d))
	assert.True(t, leads(t, s, c, d), "unaffected region untouched")
}

func TestReachability_CycleSurvivesPartialRemoval(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// A -> B -> C -> A plus C -> D. Remove A -> B.
	a, b, c, d := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C"), fn("f.go", "D")
	ab := dep(a, b)
	apply(t, s, addDiff("f.go", []*Node{a, b, c, d}, []*Edge{ab, dep(b, c), dep(c, a), dep(c, d)}))
	assert.True(t, leads(t, s, a, a))

	apply(t, s, &Diff{Repository: testRepo, Path: "f.go", ContentHash: "x", Version: testVersion,
		Edges: []EdgeDelta{{Op: OpRemove, Edge: ab}}})

	assert.False(t, leads(t, s, a, a))
	assert.False(t, leads(t, s, a, d))
	assert.True(t, leads(t, s, b, a))
	assert.True(t, leads(t, s, b, d))
	assert.True(t, leads(t, s, c, a))
}

func TestReachability_RemoveClearsWorkTables(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a, b, c := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C")
	bc := dep(b, c)
	apply(t, s, addDiff("f.go", []*Node{a, b, c}, []*Edge{dep(a, b), bc}))
	apply(t, s, &Diff{Repository: testRepo, Path: "f.go", ContentHash: "x", Version: testVersion,
		Edges: []EdgeDelta{{Op: OpRemove, Edge: bc}}})

	for _, table := range []string{"reach_work", "reach_frontier"} {
		var n int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestClearWork_ReportsFailure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `DROP TABLE reach_frontier`)
	require.NoError(t, err)

	w := &txWriter{ctx: ctx, tx: tx, d: s.d}
	err = w.clearWork("w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear reach frontier")
	assert.NotContains(t, err.Error(), "clear reach work", "the second delete still ran")
}

func TestReachability_RemoveNodeDropsRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a, b, c := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C")
	apply(t, s, addDiff("f.go", []*Node{a, b, c}, []*Edge{dep(a, b), dep(b, c)}))

	res := apply(t, s, &Diff{Repository: testRepo, Path: "f.go", ContentHash: "x", Version: testVersion,
		Nodes: []NodeDelta{{Op: OpRemove, Node: &Node{ID: b.ID}}}})
	assert.Equal(t, []string{b.ID}, res.RemovedNodes)
	assert.Len(t, res.RemovedEdges, 2)

	assert.False(t, leads(t, s, a, c))
	assert.False(t, leads(t, s, a, b))
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Reachability)
	assert.Zero(t, st.Edges)
}

// TestReachability_MatchesClosure cross-checks the incremental index against
// a from-scratch closure over a series of adds and removes.
func TestReachability_MatchesClosure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	nodes := make([]*Node, 8)
	for i := range nodes {
		nodes[i] = fn("g.go", fmt.Sprintf("N%d", i))
	}
	apply(t, s, addDiff("g.go", nodes, nil))

	type pair struct{ a, b int }
	live := map[pair]*Edge{}
	steps := []struct {
		add bool
		p   pair
	}{
		{true, pair{0, 1}}, {true, pair{1, 2}}, {true, pair{2, 3}}, {true, pair{3, 1}},
		{true, pair{4, 5}}, {true, pair{5, 6}}, {true, pair{2, 4}}, {true, pair{6, 7}},
		{false, pair{1, 2}}, {true, pair{0, 4}}, {false, pair{5, 6}}, {true, pair{7, 3}},
		{false, pair{3, 1}}, {true, pair{6, 2}}, {true, pair{5, 6}}, {false, pair{0, 4}},
	}
	for i, st := range steps {
		e := dep(nodes[st.p.a], nodes[st.p.b])
		op := OpAdd
		if st.add {
			live[st.p] = e
		} else {
			op = OpRemove
			delete(live, st.p)
		}
		apply(t, s, &Diff{Repository: testRepo, Path: "g.go", ContentHash: fmt.Sprint(i), Version: testVersion,
			Edges: []EdgeDelta{{Op: op, Edge: e}}})

		// Reference closure by repeated relaxation over the live edge set.
		reach := map[pair]bool{}
		for p := range live {
			reach[p] = true
		}
		for changed := true; changed; {
			changed = false
			for p := range reach {
				for q := range live {
					if q.a == p.b && !reach[pair{p.a, q.b}] {
						reach[pair{p.a, q.b}] = true
						changed = true
					}
				}
			}
		}
		for a := range nodes {
			for b := range nodes {
				got, err := s.LeadsTo(ctx, nodes[a].ID, nodes[b].ID)
				require.NoError(t, err)
				require.Equal(t, reach[pair{a, b}], got, "step %d: N%d -> N%d", i, a, b)
			}
		}
	}
}

// =============================================================================
// Streaming
// =============================================================================

func TestNeighbors_BoundedBatches(t *testing.T) {
	t.Parallel()
	s := newTestStoreBatch(t, 3)
	ctx := context.Background()

	hub := fn("hub.go", "Hub")
	nodes := []*Node{hub}
	var edges []*Edge
	for i := range 10 {
		caller := fn("hub.go", fmt.Sprintf("Caller%02d", i))
		nodes = append(nodes, caller)
		edges = append(edges, dep(caller, hub))
	}
	apply(t, s, addDiff("hub.go", nodes, edges))

	it := s.Neighbors(ctx, hub.ID, Incoming, "")
	seen := map[string]bool{}
	for it.Next() {
		assert.LessOrEqual(t, it.Buffered(), 3)
		seen[it.Node().ID] = true
	}
	require.NoError(t, it.Err())
	assert.Len(t, seen, 10)

	out := s.Neighbors(ctx, hub.ID, Outgoing, "")
	assert.False(t, out.Next())
	require.NoError(t, out.Err())
}

func TestNeighbors_RestartFromCursor(t *testing.T) {
	t.Parallel()
	s := newTestStoreBatch(t, 2)
	ctx := context.Background()

	hub := fn("hub.go", "Hub")
	nodes := []*Node{hub}
	var edges []*Edge
	for i := range 5 {
		caller := fn("hub.go", fmt.Sprintf("C%d", i))
		nodes = append(nodes, caller)
		edges = append(edges, dep(caller, hub))
	}
	apply(t, s, addDiff("hub.go", nodes, edges))

	it := s.Neighbors(ctx, hub.ID, Incoming, "")
	var first []string
	for range 3 {
		require.True(t, it.Next())
		first = append(first, it.Node().ID)
	}
	rest, err := s.Neighbors(ctx, hub.ID, Incoming, it.Cursor()).Collect()
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	for _, n := range rest {
		assert.NotContains(t, first, n.ID)
	}
}

func TestNeighbors_MultipleEdgeKindsYieldOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a, b := fn("f.go", "A"), fn("f.go", "B")
	ref := dep(a, b)
	ref.Kind = EdgeReferences
	ref.ID = EdgeID(a.ID, b.ID, EdgeReferences)
	apply(t, s, addDiff("f.go", []*Node{a, b}, []*Edge{dep(a, b), ref}))

	got, err := s.Neighbors(context.Background(), a.ID, Outgoing, "").Collect()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestAncestors_StreamsFromIndex(t *testing.T) {
	t.Parallel()
	s := newTestStoreBatch(t, 2)
	ctx := context.Background()
	a, b, c, d := fn("f.go", "A"), fn("f.go", "B"), fn("f.go", "C"), fn("f.go", "D")
	b.Tags = []string{TagCritical}
	apply(t, s, addDiff("f.go", []*Node{a, b, c, d}, []*Edge{dep(a, b), dep(b, c), dep(d, c)}))

	anc, err := s.Ancestors(ctx, c.ID, "").Collect()
	require.NoError(t, err)
	assert.Len(t, anc, 3)

	n, err := s.CountAncestors(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	crit, err := s.CriticalAncestors(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, crit)

	desc, err := s.Descendants(ctx, a.ID, "").Collect()
	require.NoError(t, err)
	assert.Len(t, desc, 2)
}

func TestEachBatch_RespectsLimit(t *testing.T) {
	t.Parallel()
	s := newTestStoreBatch(t, 4)
	var nodes []*Node
	for i := range 9 {
		nodes = append(nodes, fn("f.go", fmt.Sprintf("N%d", i)))
	}
	apply(t, s, addDiff("f.go", nodes, nil))

	var sizes []int
	err := s.NodesByFile(context.Background(), testRepo, "f.go").EachBatch(func(ids []string) error {
		sizes = append(sizes, len(ids))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 1}, sizes)
}

// =============================================================================
// Pending references
// =============================================================================

func TestPending_ResolvedWhenTargetAppears(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	caller := fn("a.go", "Checkout")
	d := addDiff("a.go", []*Node{caller}, nil)
	d.Pending = []PendingRef{{Source: caller.ID, TargetName: "Charge", Kind: EdgeCalls}}
	apply(t, s, d)

	target := fn("b.go", "Charge")
	res := apply(t, s, addDiff("b.go", []*Node{target}, nil))
	require.Len(t, res.AddedEdges, 1)
	assert.Equal(t, CreatedInferred, res.AddedEdges[0].CreationMethod)
	assert.Equal(t, "a.go", res.AddedEdges[0].Path)
	assert.True(t, leads(t, s, caller, target))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestPending_ParkedWhenTargetRemoved(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	target := fn("b.go", "Charge")
	apply(t, s, addDiff("b.go", []*Node{target}, nil))
	caller := fn("a.go", "Checkout")
	e := dep(caller, target)
	e.Path = "a.go"
	e.CreationMethod = CreatedInferred
	apply(t, s, addDiff("a.go", []*Node{caller}, []*Edge{e}))
	require.True(t, leads(t, s, caller, target))

	apply(t, s, &Diff{Repository: testRepo, Path: "b.go", ContentHash: "gone", Version: testVersion,
		Nodes: []NodeDelta{{Op: OpRemove, Node: &Node{ID: target.ID}}}})
	assert.False(t, leads(t, s, caller, target))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Pending)

	// The symbol comes back and the caller reconnects.
	res := apply(t, s, addDiff("b.go", []*Node{fn("b.go", "Charge")}, nil))
	assert.Len(t, res.AddedEdges, 1)
	assert.True(t, leads(t, s, caller, target))
}

func TestFindNodes_ByNameAndQualifiedName(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	a := fn("a.go", "pay.Charge")
	a.Name = "Charge"
	mod := &Node{Kind: KindModule, Repository: testRepo, Path: "a.go", Name: "Charge", QualifiedName: "a.go"}
	mod.ID = NodeID(mod.Kind, testRepo, "a.go", "a.go")
	apply(t, s, addDiff("a.go", []*Node{a, mod}, nil))

	byName, err := s.FindNodes(context.Background(), testRepo, "Charge", 10)
	require.NoError(t, err)
	require.Len(t, byName, 1, "module nodes are not resolution targets")
	byQ, err := s.FindNodes(context.Background(), testRepo, "pay.Charge", 10)
	require.NoError(t, err)
	require.Len(t, byQ, 1)
}

// =============================================================================
// Maintenance & helpers
// =============================================================================

func TestPruneLineage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.RecordLineage(ctx, &LineageRecord{SubjectID: "x", Operation: "ingest", ExecutedAt: old}))
	require.NoError(t, s.RecordLineage(ctx, &LineageRecord{SubjectID: "x", Operation: "ingest", CacheHit: true}))

	n, err := s.PruneLineage(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recs, err := s.Lineage(ctx, "x", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CacheHit)
	require.NoError(t, s.Vacuum(ctx))
}

func TestPostgresRebind(t *testing.T) {
	t.Parallel()
	got := postgresDialect{}.rebind(`SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`)
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`, got)
	assert.Equal(t, "x = ?", sqliteDialect{}.rebind("x = ?"))
}

func TestSignatureHash_IgnoresNamesAndWhitespace(t *testing.T) {
	t.Parallel()
	a := ComputeSignatureHash(KindFunction, "public", Signature{Params: []Param{{Name: "amount", Type: "map[string] int"}}})
	b := ComputeSignatureHash(KindFunction, "public", Signature{Params: []Param{{Name: "amt", Type: "map[string]int"}}})
	c := ComputeSignatureHash(KindFunction, "public", Signature{Params: []Param{{Type: "int64"}}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNodeID_StableAndDistinct(t *testing.T) {
	t.Parallel()
	assert.Equal(t, NodeID(KindFunction, "r", "p", "q"), NodeID(KindFunction, "r", "p", "q"))
	assert.NotEqual(t, NodeID(KindFunction, "r", "p", "q"), NodeID(KindMethod, "r", "p", "q"))
	assert.NotEqual(t, NodeID(KindFunction, "r", "p", "q"), NodeID(KindFunction, "r", "p2", "q"))
	assert.Len(t, ContentHash([]byte("x")), 64)
}

func TestStripedLocks_DisjointDoNotBlock(t *testing.T) {
	t.Parallel()
	l := newStripedLocks(8)
	release := l.lock([]string{"a", "b", "a"})
	done := make(chan struct{})
	go func() {
		// Find a key on a different stripe.
		for i := 0; ; i++ {
			k := fmt.Sprint("k", i)
			if l.stripe(k) != l.stripe("a") && l.stripe(k) != l.stripe("b") {
				l.lock([]string{k})()
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint stripe blocked")
	}
	release()
}
