package conflux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// newSeededQuery returns the query API over api.rs handle -> caller.rs
// checkout -> payment.rs process_payment.
func newSeededQuery(t *testing.T) *QueryBuilder {
	t.Helper()
	e := newTestEngine(t)
	seedPayments(t, e)
	return e.Query()
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

// =============================================================================
// Pagination
// =============================================================================

func TestPagination_Normalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Pagination
		want Pagination
	}{
		{"zero uses default", Pagination{}, Pagination{Offset: 0, Limit: 50}},
		{"negative offset", Pagination{Offset: -3, Limit: 10}, Pagination{Offset: 0, Limit: 10}},
		{"limit capped", Pagination{Offset: 5, Limit: 10000}, Pagination{Offset: 5, Limit: 500}},
		{"negative limit", Pagination{Limit: -1}, Pagination{Limit: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.in.normalize())
		})
	}
}

func TestFileNodes_Paging(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()

	all, err := q.FileNodes(ctx, repo, "src/payment.rs", Pagination{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, all.TotalCount, 2)
	assert.Contains(t, ids(all.Items), fnID("src/payment.rs", "process_payment"))
	assert.Contains(t, ids(all.Items), fnID("src/payment.rs", "refund"))

	first, err := q.FileNodes(ctx, repo, "src/payment.rs", Pagination{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, all.TotalCount, first.TotalCount)
	require.Len(t, first.Items, 1)
	assert.Equal(t, all.Items[0].ID, first.Items[0].ID)

	second, err := q.FileNodes(ctx, repo, "src/payment.rs", Pagination{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, all.Items[1].ID, second.Items[0].ID)

	past, err := q.FileNodes(ctx, repo, "src/payment.rs", Pagination{Offset: all.TotalCount})
	require.NoError(t, err)
	assert.Empty(t, past.Items)
	assert.Equal(t, all.TotalCount, past.TotalCount)
}

// =============================================================================
// Graph queries
// =============================================================================

func TestNode(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()

	n, err := q.Node(ctx, fnID("src/payment.rs", "process_payment"))
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "process_payment", n.Name)
	assert.Equal(t, store.KindFunction, n.Kind)
	assert.True(t, n.Critical())

	missing, err := q.Node(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResolve_ByIDAndName(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()
	id := fnID("src/caller.rs", "checkout")

	byID, err := q.Resolve(ctx, repo, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(byID))

	byName, err := q.Resolve(ctx, repo, "checkout")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(byName))

	none, err := q.Resolve(ctx, repo, "does_not_exist")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDependenciesAndDependents(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()
	checkout := fnID("src/caller.rs", "checkout")

	deps, err := q.Dependencies(ctx, checkout, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{fnID("src/payment.rs", "process_payment")}, ids(deps.Items))

	dependents, err := q.Dependents(ctx, checkout, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{fnID("src/api.rs", "handle")}, ids(dependents.Items))
}

func TestImpact_IsTransitive(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()

	res, err := q.Impact(ctx, fnID("src/payment.rs", "process_payment"), Pagination{})
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{fnID("src/caller.rs", "checkout"), fnID("src/api.rs", "handle")},
		ids(res.Items))
	assert.Equal(t, 2, res.TotalCount)

	leaf, err := q.Impact(ctx, fnID("src/api.rs", "handle"), Pagination{})
	require.NoError(t, err)
	assert.Zero(t, leaf.TotalCount)
}

func TestLeadsTo(t *testing.T) {
	q := newSeededQuery(t)
	ctx := context.Background()
	handle := fnID("src/api.rs", "handle")
	pay := fnID("src/payment.rs", "process_payment")

	ok, err := q.LeadsTo(ctx, handle, pay)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.LeadsTo(ctx, pay, handle)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// History
// =============================================================================

func TestHistoryAndLineage(t *testing.T) {
	e := newTestEngine(t)
	seedPayments(t, e)
	ingest(t, e, "src/payment.rs", paymentV2)
	q := e.Query()
	ctx := context.Background()

	history, err := q.History(ctx, repo, "src/payment.rs", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Greater(t, history[0].Seq, history[1].Seq, "newest first")
	assert.NotEqual(t, history[0].ContentHash, history[1].ContentHash)

	module := update.ModuleID(repo, "src/payment.rs")
	recs, err := q.Lineage(ctx, module, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, module, recs[0].SubjectID)
}

func TestStats(t *testing.T) {
	q := newSeededQuery(t)

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Nodes, int64(4))
	assert.GreaterOrEqual(t, st.Edges, int64(2))
	assert.GreaterOrEqual(t, st.Reachability, int64(3), "handle->checkout, handle->pay, checkout->pay")
	assert.Equal(t, int64(3), st.Changes)
}
