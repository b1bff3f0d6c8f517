package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jward/conflux"
	"github.com/jward/conflux/internal/transport"
	"github.com/jward/conflux/internal/vcs"
	"github.com/jward/conflux/internal/watch"
)

var (
	flagAddr    string
	flagNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Serve conflict notifications for a repository",
	Long: "Indexes the repository, watches it for changes and streams conflict updates over " +
		"WebSocket, Server-Sent Events and polling. Prometheus metrics are served on /metrics.",
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "serve only; do not index or watch the directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := resolveTargetDir(args)
	if err != nil {
		return err
	}
	root := findRepoRoot(dir)
	repository := repositoryID(root)

	ctx := cmd.Context()
	e, logger, err := openEngine(ctx, root, true)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer e.Close()

	cfg := e.Config()
	addr := cfg.Server.Addr
	if flagAddr != "" {
		addr = flagAddr
	}
	srv := transport.NewServer(e.Hub(),
		transport.WithGatherer(e.Registry()),
		transport.WithDefaultEncoding(cfg.Server.DefaultEncoding),
		transport.WithServerLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, addr) })

	if !flagNoWatch {
		opts := watch.DefaultOptions()
		opts.Logger = logger
		w, err := watch.New(root, ingestChanges(e, root, repository, logger), opts)
		if err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error {
			// Watch first so edits made while indexing are not lost.
			select {
			case <-w.Ready():
			case <-gctx.Done():
				return nil
			}
			st, err := e.IngestDirectory(gctx, root, repository)
			if err != nil && gctx.Err() == nil {
				logger.Warn("initial index incomplete", zap.Error(err))
			}
			if st != nil {
				logger.Info("indexed", zap.String("root", root), zap.String("repository", repository),
					zap.Int("files", st.FilesAnalyzed), zap.Duration("elapsed", st.Elapsed))
			}
			return nil
		})
	}

	fmt.Fprintf(os.Stderr, "Serving %s (%s) on %s\n", repository, root, addr)
	return g.Wait()
}

// ingestChanges turns debounced file changes into one batch ingestion. A
// removed file is ingested as empty content, which removes its symbols.
func ingestChanges(e *conflux.Engine, root, repository string, logger *zap.Logger) watch.Handler {
	return func(ctx context.Context, changes []watch.Change) {
		version, _, err := vcs.Resolve(root, time.Now())
		if err != nil {
			logger.Warn("resolve version", zap.Error(err))
			return
		}
		events := make([]conflux.ChangeEvent, 0, len(changes))
		for _, ch := range changes {
			ev := conflux.ChangeEvent{Repository: repository, Path: ch.Path, Version: version}
			if ch.Op == watch.OpWrite {
				content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ch.Path)))
				switch {
				case errors.Is(err, fs.ErrNotExist):
				case err != nil:
					logger.Warn("read changed file", zap.String("path", ch.Path), zap.Error(err))
					continue
				default:
					ev.Content = content
				}
			}
			events = append(events, ev)
		}
		st, err := e.IngestBatch(ctx, events)
		if err != nil {
			logger.Warn("ingest changes", zap.Error(err))
		}
		if st != nil {
			logger.Info("changes ingested", zap.Int("files", st.FilesAnalyzed),
				zap.Int("conflicts", st.ConflictsDetected), zap.Duration("elapsed", st.Elapsed))
		}
	}
}
