// Package vcs reads source versions and file lists from git working trees
// with go-git. Directories outside a repository fall back to a plain walk
// and the "worktree" lineage.
package vcs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/jward/conflux/internal/parser"
	"github.com/jward/conflux/internal/store"
)

// WorktreeLineage is the lineage used outside a git repository and for a
// detached HEAD.
const WorktreeLineage = "worktree"

// ErrNotRepository is returned by Open when dir is not inside a repository.
var ErrNotRepository = errors.New("not a git repository")

// skipDirs are never descended into by the fallback walk.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
}

// Repo is an opened git repository.
type Repo struct {
	repo *git.Repository
	root string
}

// Open opens the repository containing dir.
func Open(dir string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	return &Repo{repo: r, root: wt.Filesystem.Root()}, nil
}

// Root is the working tree's top directory.
func (r *Repo) Root() string { return r.root }

// Version describes HEAD: the checked out branch as lineage and the commit
// hash as revision. An unborn branch has no revision yet.
func (r *Repo) Version(at time.Time) (store.SourceVersion, error) {
	v := store.SourceVersion{Lineage: WorktreeLineage, Timestamp: at.UTC()}
	head, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return v, fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference {
		if name := head.Target(); name.IsBranch() {
			v.Lineage = name.Short()
		}
	}
	resolved, err := r.repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return v, nil
	case err != nil:
		return v, fmt.Errorf("resolving HEAD: %w", err)
	}
	v.Revision = resolved.Hash().String()
	return v, nil
}

// TrackedFiles returns the supported files of HEAD's tree that still exist
// in the working tree, as paths relative to Root.
func (r *Repo) TrackedFiles() ([]string, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}
	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if !parser.Supported(f.Name) {
			return nil
		}
		if _, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(f.Name))); err != nil {
			return nil
		}
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tree: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Resolve opens the repository at dir and returns its HEAD version, or the
// worktree lineage when dir is not a repository.
func Resolve(dir string, at time.Time) (store.SourceVersion, *Repo, error) {
	r, err := Open(dir)
	if errors.Is(err, ErrNotRepository) {
		return store.SourceVersion{Lineage: WorktreeLineage, Timestamp: at.UTC()}, nil, nil
	}
	if err != nil {
		return store.SourceVersion{}, nil, err
	}
	v, err := r.Version(at)
	return v, r, err
}

// ListFiles returns the supported files under root, relative to root. Inside
// a repository it lists HEAD's tracked files; otherwise it walks the tree,
// skipping hidden and dependency directories.
func ListFiles(root string) ([]string, error) {
	r, err := Open(root)
	if err == nil {
		paths, err := r.TrackedFiles()
		if err != nil {
			return nil, err
		}
		return relativeTo(r.Root(), root, paths)
	}
	if !errors.Is(err, ErrNotRepository) {
		return nil, err
	}
	return walkFiles(root)
}

// relativeTo rewrites repo-relative paths to be relative to dir, dropping
// those outside it.
func relativeTo(repoRoot, dir string, paths []string) ([]string, error) {
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if absRoot == absDir {
		return paths, nil
	}
	var out []string
	for _, p := range paths {
		rel, err := filepath.Rel(absDir, filepath.Join(absRoot, filepath.FromSlash(p)))
		if err != nil || rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

func walkFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (name[0] == '.' || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if !parser.Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}
