package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	batches [][]Change
}

func (r *recorder) handle(_ context.Context, changes []Change) {
	r.mu.Lock()
	r.batches = append(r.batches, changes)
	r.mu.Unlock()
}

// latest returns the most recent op seen per path.
func (r *recorder) latest() map[string]Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]Op{}
	for _, b := range r.batches {
		for _, c := range b {
			out[c.Path] = c.Op
		}
	}
	return out
}

func start(t *testing.T, root string, opts Options) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := New(root, rec.handle, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher not ready")
	}
	return rec
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// =============================================================================
// Events
// =============================================================================

func TestWatcher_WritesAndRemoves(t *testing.T) {
	root := t.TempDir()
	write(t, root, "payment.rs", "fn a() {}\n")
	rec := start(t, root, Options{Debounce: 20 * time.Millisecond})

	write(t, root, "payment.rs", "fn a(x: u32) {}\n")
	write(t, root, "notes.txt", "ignored: no grammar\n")
	require.Eventually(t, func() bool { return rec.latest()["payment.rs"] == OpWrite }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(root, "payment.rs")))
	require.Eventually(t, func() bool { return rec.latest()["payment.rs"] == OpRemove }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, rec.latest(), "notes.txt")
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	root := t.TempDir()
	rec := start(t, root, Options{Debounce: 20 * time.Millisecond})

	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "billing"), 0o755))
	// Give the watcher a moment to pick up the new directory.
	require.Eventually(t, func() bool {
		write(t, root, "src/billing/invoice.go", "package billing\n")
		_, ok := rec.latest()["src/billing/invoice.go"]
		return ok
	}, 2*time.Second, 50*time.Millisecond)
}

func TestWatcher_IgnorePatterns(t *testing.T) {
	root := t.TempDir()
	write(t, root, "node_modules/lib/index.js", "x\n")
	write(t, root, "gen/skip.go", "package gen\n")
	rec := start(t, root, Options{
		Debounce: 20 * time.Millisecond,
		Ignore:   []string{"**/node_modules/**", "gen/**"},
	})

	write(t, root, "node_modules/lib/index.js", "y\n")
	write(t, root, "gen/skip.go", "package gen // changed\n")
	write(t, root, "keep.go", "package keep\n")
	require.Eventually(t, func() bool { _, ok := rec.latest()["keep.go"]; return ok }, 2*time.Second, 10*time.Millisecond)

	got := rec.latest()
	assert.NotContains(t, got, "node_modules/lib/index.js")
	assert.NotContains(t, got, "gen/skip.go")
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(t.TempDir(), nil, Options{Ignore: []string{"[unclosed"}})
	require.Error(t, err)
}

// =============================================================================
// Debounce
// =============================================================================

func TestDedupe_KeepsLatestPerPath(t *testing.T) {
	t0 := time.Now()
	got := dedupe([]Change{
		{Path: "b.go", Op: OpWrite, Time: t0},
		{Path: "a.go", Op: OpWrite, Time: t0},
		{Path: "b.go", Op: OpRemove, Time: t0.Add(time.Millisecond)},
		{Path: "a.go", Op: OpWrite, Time: t0.Add(2 * time.Millisecond)},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].Path)
	assert.Equal(t, "b.go", got[1].Path)
	assert.Equal(t, OpRemove, got[1].Op)
}

func TestWatcher_BurstIsOneBatch(t *testing.T) {
	root := t.TempDir()
	rec := start(t, root, Options{Debounce: 200 * time.Millisecond})

	for i := range 5 {
		write(t, root, "hot.go", "package hot // "+string(rune('a'+i))+"\n")
	}
	require.Eventually(t, func() bool { _, ok := rec.latest()["hot.go"]; return ok }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches, 1)
	assert.Len(t, rec.batches[0], 1)
}
