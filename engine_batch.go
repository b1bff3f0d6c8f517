package conflux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jward/conflux/internal/protocol"
	"github.com/jward/conflux/internal/update"
	"github.com/jward/conflux/internal/vcs"
)

// BatchStatus summarizes one analysis session over many files.
type BatchStatus struct {
	SessionID         string
	FilesAnalyzed     int
	FilesFailed       int
	NodesCreated      int
	ConflictsDetected int
	CacheHitRate      float64
	Elapsed           time.Duration
}

// IngestBatch ingests events as one analysis session, at most
// pipeline.batch_limit files at a time. Each completed file publishes a
// SessionProgress message to its repository. A failing file does not stop
// the others; the returned error summarizes every failure.
func (e *Engine) IngestBatch(ctx context.Context, events []ChangeEvent) (*BatchStatus, error) {
	return e.runBatch(ctx, len(events), func(i int) (ChangeEvent, error) {
		return events[i], nil
	})
}

// runBatch ingests total events, loading each one inside its own job so at
// most pipeline.batch_limit events are held at once.
func (e *Engine) runBatch(ctx context.Context, total int, load func(i int) (ChangeEvent, error)) (*BatchStatus, error) {
	st := &BatchStatus{SessionID: uuid.NewString()}
	start := time.Now()

	var (
		mu        sync.Mutex
		errs      []error
		cacheHits int
		processed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Pipeline.BatchLimit, 1))
	for i := range total {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := load(i)
			var res *IngestResult
			if err == nil {
				res, err = e.Ingest(gctx, ev)
			}

			mu.Lock()
			defer mu.Unlock()
			processed++
			switch {
			case err != nil:
				st.FilesFailed++
				errs = append(errs, fmt.Errorf("ingest %s: %w", ev.Path, err))
			case res.CacheHit:
				st.FilesAnalyzed++
				cacheHits++
			default:
				st.FilesAnalyzed++
				st.NodesCreated += len(res.Commit.AddedNodes)
				st.ConflictsDetected += len(res.Conflicts)
			}
			// Published under mu so progress never goes backwards.
			e.publish(ev.Repository, protocol.NewSessionProgress(st.SessionID, processed, total))
			return nil
		})
	}
	waitErr := g.Wait()

	st.Elapsed = time.Since(start)
	if st.FilesAnalyzed > 0 {
		st.CacheHitRate = float64(cacheHits) / float64(st.FilesAnalyzed)
	}
	e.logger.Info("batch ingested",
		zap.String("session", st.SessionID),
		zap.Int("files", st.FilesAnalyzed),
		zap.Int("failed", st.FilesFailed),
		zap.Int("nodes_created", st.NodesCreated),
		zap.Int("conflicts", st.ConflictsDetected),
		zap.Float64("cache_hit_rate", st.CacheHitRate),
		zap.Duration("elapsed", st.Elapsed))

	if waitErr != nil {
		return st, waitErr
	}
	if len(errs) > 0 {
		return st, fmt.Errorf("indexing had %d error(s): %w", len(errs), errors.Join(errs...))
	}
	return st, nil
}

// IngestDirectory ingests every supported file under root for repository.
// Inside a git repository the tracked files of HEAD are used and versioned
// by branch and commit; otherwise the tree is walked under the worktree
// lineage.
func (e *Engine) IngestDirectory(ctx context.Context, root, repository string) (*BatchStatus, error) {
	paths, err := vcs.ListFiles(root)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	version, _, err := vcs.Resolve(root, time.Now())
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	return e.runBatch(ctx, len(paths), func(i int) (ChangeEvent, error) {
		ev := update.ChangeEvent{Repository: repository, Path: paths[i], Version: version}
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(paths[i])))
		if err != nil {
			return ev, fmt.Errorf("read: %w", err)
		}
		ev.Content = content
		return ev, nil
	})
}
