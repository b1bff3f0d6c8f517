package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jward/conflux"
	"github.com/jward/conflux/internal/vcs"
	"github.com/jward/conflux/internal/watch"
)

var flagDryRun bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <files...>",
	Short: "Ingest files once and print the conflicts they introduce",
	Long: "Runs all three detection tiers for each file against the current graph, prints the " +
		"conflicts, then applies the file. With --dry-run nothing is written.",
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Ingest changes as files are saved",
	Long:  "Watches a directory and ingests every saved supported file, printing its conflicts.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	ingestCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "detect conflicts without writing to the graph")
}

func runIngest(cmd *cobra.Command, args []string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	cwd, err := os.Getwd()
	if err != nil {
		return outputError(out, errOut, "ingest", fmt.Errorf("getting cwd: %w", err))
	}
	root := findRepoRoot(cwd)
	repository := repositoryID(root)

	ctx := cmd.Context()
	e, logger, err := openEngine(ctx, root, false)
	if err != nil {
		return outputError(out, errOut, "ingest", err)
	}
	defer logger.Sync()
	defer e.Close()

	version, _, err := vcs.Resolve(root, time.Now())
	if err != nil {
		return outputError(out, errOut, "ingest", err)
	}

	results := make([]CLIFileResult, 0, len(args))
	for _, arg := range args {
		ev, err := readEvent(root, repository, arg, version)
		if err != nil {
			return outputError(out, errOut, "ingest", err)
		}
		fr, err := ingestOne(ctx, e, ev, flagDryRun)
		if err != nil {
			return outputError(out, errOut, "ingest", err)
		}
		results = append(results, fr)
	}
	n := len(results)
	return outputResult(out, CLIResult{Command: "ingest", Results: results, TotalCount: &n})
}

// readEvent builds the change event for file, named relative to root.
func readEvent(root, repository, file string, version conflux.SourceVersion) (conflux.ChangeEvent, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return conflux.ChangeEvent{}, fmt.Errorf("resolving file path %q: %w", file, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return conflux.ChangeEvent{}, fmt.Errorf("%s is outside %s", file, root)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return conflux.ChangeEvent{}, fmt.Errorf("reading %s: %w", file, err)
	}
	return conflux.ChangeEvent{
		Repository: repository,
		Path:       filepath.ToSlash(rel),
		Content:    content,
		Version:    version,
	}, nil
}

// ingestOne reports the conflicts of ev from a full detection run, then
// applies it unless dryRun is set. Ingest alone only answers with Tier 1.
func ingestOne(ctx context.Context, e *conflux.Engine, ev conflux.ChangeEvent, dryRun bool) (CLIFileResult, error) {
	det, err := e.DetectConflicts(ctx, ev)
	if err != nil {
		return CLIFileResult{}, err
	}
	fr := CLIFileResult{Path: ev.Path, CacheHit: det.CacheHit, Conflicts: conflictsToCLI(det.Conflicts)}
	if dryRun || det.CacheHit {
		return fr, nil
	}
	if _, err := e.Ingest(ctx, ev); err != nil {
		return CLIFileResult{}, err
	}
	return fr, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir, err := resolveTargetDir(args)
	if err != nil {
		return err
	}
	root := findRepoRoot(dir)
	repository := repositoryID(root)

	ctx := cmd.Context()
	e, logger, err := openEngine(ctx, root, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer e.Close()

	out := cmd.OutOrStdout()
	handler := func(ctx context.Context, changes []watch.Change) {
		version, _, err := vcs.Resolve(root, time.Now())
		if err != nil {
			logger.Warn("resolve version", zap.Error(err))
			return
		}
		var results []CLIFileResult
		for _, ch := range changes {
			ev := conflux.ChangeEvent{Repository: repository, Path: ch.Path, Version: version}
			if ch.Op == watch.OpWrite {
				full, err := readEvent(root, repository, filepath.Join(root, filepath.FromSlash(ch.Path)), version)
				if err != nil {
					logger.Warn("read changed file", zap.String("path", ch.Path), zap.Error(err))
					continue
				}
				ev = full
			}
			fr, err := ingestOne(ctx, e, ev, false)
			if err != nil {
				logger.Warn("ingest", zap.String("path", ch.Path), zap.Error(err))
				continue
			}
			results = append(results, fr)
		}
		if len(results) > 0 {
			_ = outputResult(out, CLIResult{Command: "watch", Results: results})
		}
	}

	opts := watch.DefaultOptions()
	opts.Logger = logger
	w, err := watch.New(root, handler, opts)
	if err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}
	fmt.Fprintf(os.Stderr, "Watching %s (%s)\n", root, repository)
	return w.Run(ctx)
}
