package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jward/conflux"
	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/observability"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/vcs"
)

var (
	flagConfig     string
	flagDB         string
	flagFormat     string
	flagRepo       string
	flagScriptsDir string
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "conflux",
	Short:         "Incremental code dependency graph with tiered conflict detection",
	Long:          "Conflux keeps a code dependency graph up to date as files change and streams the conflicts each change introduces, refined in three tiers.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		errorHandled = false
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "graph database DSN (default: storage.dsn relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "repository ID (default: name of the repo root directory)")
	rootCmd.PersistentFlags().StringVar(&flagScriptsDir, "scripts-dir", "", "directory critical.script is loaded from")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queryCmd)
}

// resolveTargetDir returns the absolute path of the directory to work on.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot returns the worktree root of the git repository containing
// dir, or dir itself outside a repository.
func findRepoRoot(dir string) string {
	r, err := vcs.Open(dir)
	if err != nil {
		return dir
	}
	return r.Root()
}

// repositoryID returns the --repo flag or the name of root.
func repositoryID(root string) string {
	if flagRepo != "" {
		return flagRepo
	}
	return filepath.Base(root)
}

// loadConfig reads --config and applies --db. Relative sqlite and journal
// paths are anchored at root.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Storage.DSN = flagDB
	}
	if cfg.Storage.Backend == store.BackendSQLite && cfg.Storage.DSN != ":memory:" && !filepath.IsAbs(cfg.Storage.DSN) {
		cfg.Storage.DSN = filepath.Join(root, cfg.Storage.DSN)
	}
	if cfg.Journal.Path != "" && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(root, cfg.Journal.Path)
	}
	return cfg, nil
}

// openEngine builds an engine for root. Only a serving process keeps the
// replay journal; one-shot commands would contend for its directory lock.
func openEngine(ctx context.Context, root string, withJournal bool) (*conflux.Engine, *zap.Logger, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, nil, err
	}
	cfg.Journal.Enabled = cfg.Journal.Enabled && withJournal

	logger := observability.NewStderrLogger(cfg.Logger)
	opts := []conflux.Option{conflux.WithLogger(logger)}
	if flagScriptsDir != "" {
		opts = append(opts, conflux.WithScriptsFS(os.DirFS(flagScriptsDir)))
	}
	e, err := conflux.New(ctx, cfg, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, logger, nil
}
