package conflux

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/conflux/internal/update"
	"github.com/jward/conflux/internal/vcs"
)

// TestCorpus walks testdata/{language}/{level}/src, indexes each level and
// checks the reachability index against a closure computed from the direct
// edges.
func TestCorpus(t *testing.T) {
	langDirs, err := os.ReadDir("testdata")
	if err != nil {
		t.Skip("no testdata directory found")
	}

	for _, langDir := range langDirs {
		if !langDir.IsDir() {
			continue
		}
		lang := langDir.Name()
		levels, err := os.ReadDir(filepath.Join("testdata", lang))
		if err != nil {
			continue
		}
		for _, level := range levels {
			srcDir := filepath.Join("testdata", lang, level.Name(), "src")
			if _, err := os.Stat(srcDir); err != nil {
				continue
			}
			t.Run(lang+"/"+level.Name(), func(t *testing.T) {
				runCorpusLevel(t, srcDir, lang+"/"+level.Name())
			})
		}
	}
}

func runCorpusLevel(t *testing.T, srcDir, repository string) {
	t.Helper()
	paths, err := vcs.ListFiles(srcDir)
	require.NoError(t, err)
	if len(paths) == 0 {
		t.Skip("no tracked source files")
	}

	e := newTestEngine(t)
	ctx := context.Background()

	st, err := e.IngestDirectory(ctx, srcDir, repository)
	if err != nil {
		require.ErrorIs(t, err, update.ErrParseFailure, "only grammar gaps may fail")
	}
	require.Positive(t, st.FilesAnalyzed)

	// Direct edges, as the query API reports them.
	deps := map[string][]string{}
	q := e.Query()
	for _, p := range paths {
		nodes, err := q.FileNodes(ctx, repository, p, Pagination{Limit: maxLimit})
		require.NoError(t, err)
		for _, n := range nodes.Items {
			out, err := q.Dependencies(ctx, n.ID, Pagination{Limit: maxLimit})
			require.NoError(t, err)
			deps[n.ID] = ids(out.Items)
		}
	}
	require.NotEmpty(t, deps)

	dependents := map[string][]string{}
	for src, targets := range deps {
		for _, dst := range targets {
			dependents[dst] = append(dependents[dst], src)
		}
	}

	for id := range deps {
		want := closure(id, dependents)
		got, err := q.Impact(ctx, id, Pagination{Limit: maxLimit})
		require.NoError(t, err)
		gotSet := map[string]bool{}
		for _, n := range got.Items {
			if n.ID != id {
				gotSet[n.ID] = true
			}
		}
		assert.Equal(t, want, gotSet, "ancestors of %s", id)
	}

	again, err := e.IngestDirectory(ctx, srcDir, repository)
	if err != nil {
		require.ErrorIs(t, err, update.ErrParseFailure)
	}
	assert.Equal(t, 1.0, again.CacheHitRate, "unchanged files are cache hits")
}

// closure returns every node that reaches id through dependents, id
// excluded.
func closure(id string, dependents map[string][]string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range dependents[cur] {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	delete(seen, id)
	return seen
}
