package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// initRepo creates a repository on branch main with one commit holding
// files.
func initRepo(t *testing.T, files map[string]string) (string, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	for rel, content := range files {
		writeFile(t, dir, rel, content)
		_, err := wt.Add(rel)
		require.NoError(t, err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash
}

// =============================================================================
// Version
// =============================================================================

func TestResolve_Repository(t *testing.T) {
	t.Parallel()
	dir, hash := initRepo(t, map[string]string{"src/payment.rs": "fn process_payment() {}\n"})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, r, err := Resolve(filepath.Join(dir, "src"), at)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "main", v.Lineage)
	assert.Equal(t, hash.String(), v.Revision)
	assert.Equal(t, at, v.Timestamp)
}

func TestResolve_NotARepository(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	v, r, err := Resolve(dir, time.Now())
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, WorktreeLineage, v.Lineage)
	assert.Empty(t, v.Revision)

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestVersion_UnbornBranch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("dev")},
	})
	require.NoError(t, err)

	r, err := Open(dir)
	require.NoError(t, err)
	v, err := r.Version(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "dev", v.Lineage)
	assert.Empty(t, v.Revision)

	files, err := r.TrackedFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

// =============================================================================
// File listing
// =============================================================================

func TestListFiles_TrackedOnly(t *testing.T) {
	t.Parallel()
	dir, _ := initRepo(t, map[string]string{
		"src/payment.rs": "fn a() {}\n",
		"src/caller.rs":  "fn b() {}\n",
		"README.md":      "# shop\n",
		"gone.go":        "package gone\n",
	})
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.go")))
	writeFile(t, dir, "src/untracked.rs", "fn c() {}\n")

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/caller.rs", "src/payment.rs"}, files)

	sub, err := ListFiles(filepath.Join(dir, "src"))
	require.NoError(t, err)
	assert.Equal(t, []string{"caller.rs", "payment.rs"}, sub)
}

func TestListFiles_Walk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "pkg/util.py", "def f(): pass\n")
	writeFile(t, dir, "node_modules/lib/index.js", "x\n")
	writeFile(t, dir, ".cache/tmp.go", "package tmp\n")
	writeFile(t, dir, "notes.txt", "hi\n")

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "pkg/util.py"}, files)
}
