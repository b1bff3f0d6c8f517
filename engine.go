package conflux

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/critical"
	"github.com/jward/conflux/internal/metrics"
	"github.com/jward/conflux/internal/observability"
	"github.com/jward/conflux/internal/parser"
	"github.com/jward/conflux/internal/protocol"
	"github.com/jward/conflux/internal/retry"
	"github.com/jward/conflux/internal/runtime"
	"github.com/jward/conflux/internal/session"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/tier"
	"github.com/jward/conflux/internal/update"
	"github.com/jward/conflux/internal/workpool"
)

// Engine wires the graph store, update engine, tier pipeline, aggregator and
// session hub together. Every accepted conflict and graph change is
// published to the repository's subscribers.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	updater  *update.Engine
	pipeline *tier.Pipeline
	agg      *aggregate.Aggregator
	pool     *workpool.Pool
	hub      *session.Hub
	journal  *session.Journal
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *zap.Logger
	tracer   trace.Tracer

	parser    parser.Parser
	scriptsFS fs.FS
	files     *fileLocks

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithParser replaces the tree-sitter parser.
func WithParser(p parser.Parser) Option {
	return func(e *Engine) {
		if p != nil {
			e.parser = p
		}
	}
}

// WithLogger sets the root logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegistry registers the engine's metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	}
}

// WithScriptsFS loads the critical-path predicate script from fsys instead
// of disk. This enables embedding scripts via go:embed.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// New opens the configured store and journal and starts the worker pool and
// session hub. A nil cfg uses the defaults.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("conflux: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		parser: parser.NewTreeSitter(),
		logger: zap.NewNop(),
		tracer: observability.Tracer(),
		files:  newFileLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	e.metrics = metrics.New(e.registry)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.openStore(ctx); err != nil {
		e.cancel()
		return nil, err
	}

	var rtOpts []runtime.Option
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, runtime.WithFS(e.scriptsFS))
	}
	rt := runtime.NewRuntime("", append(rtOpts, runtime.WithLogger(e.logger))...)
	classifier, err := critical.FromConfig(cfg.Critical, rt, e.logger)
	if err != nil {
		e.store.Close()
		e.cancel()
		return nil, fmt.Errorf("conflux: %w", err)
	}

	e.updater = update.New(e.store, e.parser,
		update.WithParseTimeout(cfg.Pipeline.ParseTimeout),
		update.WithTagger(classifier),
		update.WithLogger(e.logger))
	e.agg = aggregate.New(e.emit, e.logger)
	e.pool = workpool.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, e.logger)
	e.pipeline = tier.NewPipeline(e.store, countingSink{agg: e.agg, metrics: e.metrics}, e.pool,
		tier.WithTimeouts(tier.Timeouts{
			Tier1: cfg.Pipeline.Tier1Timeout,
			Tier2: cfg.Pipeline.Tier2Timeout,
			Tier3: cfg.Pipeline.Tier3Timeout,
		}),
		tier.WithLogger(e.logger),
		tier.WithObserver(func(t int, outcome string, d time.Duration) {
			e.metrics.ObserveTier(tier.Name(t), outcome, d)
		}))

	hubOpts := []session.Option{session.WithLogger(e.logger), session.WithMetrics(e.metrics)}
	if cfg.Journal.Enabled {
		j, err := session.OpenJournal(cfg.Journal, e.logger)
		if err != nil {
			e.pool.Close()
			e.store.Close()
			e.cancel()
			return nil, fmt.Errorf("conflux: %w", err)
		}
		e.journal = j
		hubOpts = append(hubOpts, session.WithJournal(j))
	}
	e.hub = session.NewHub(cfg.Session, hubOpts...)

	e.logger.Info("engine ready",
		zap.String("backend", e.store.Backend()),
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Bool("journal", e.journal != nil),
		zap.Bool("critical_rules", classifier.Enabled()))
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) error {
	sc := e.cfg.Storage
	if sc.Backend == store.BackendSQLite && !strings.HasPrefix(sc.DSN, "file:") && !strings.Contains(sc.DSN, ":memory:") {
		if dir := filepath.Dir(sc.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("conflux: create store directory: %w", err)
			}
		}
	}
	s, err := store.Open(ctx, store.Config{
		Backend:   sc.Backend,
		DSN:       sc.DSN,
		BatchSize: sc.BatchSize,
		Retry: retry.Config{
			MaxRetries: sc.MaxRetries,
			BaseDelay:  sc.RetryBaseDelay,
			MaxDelay:   sc.RetryMaxDelay,
			Jitter:     true,
		},
		LockStripes: sc.LockStripes,
		Logger:      e.logger,
	})
	if err != nil {
		return fmt.Errorf("conflux: %w", err)
	}
	e.store = s
	return nil
}

// Close cancels in-flight tier jobs, closes every session and releases the
// journal and the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := e.pool.Shutdown(ctx); serr != nil {
			e.logger.Warn("tier jobs did not stop in time", zap.Error(serr))
		}
		e.cancel()
		e.hub.Close()
		var errs []error
		if e.journal != nil {
			errs = append(errs, e.journal.Close())
		}
		errs = append(errs, e.store.Close())
		err = errors.Join(errs...)
	})
	return err
}

// Store returns the underlying graph store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// Hub returns the session hub transports subscribe through.
func (e *Engine) Hub() *session.Hub {
	return e.hub
}

// Registry is the Prometheus registry holding the engine's metrics.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Query returns a QueryBuilder over the engine's store.
func (e *Engine) Query() *QueryBuilder {
	return &QueryBuilder{store: e.store}
}

// Conflicts returns the current conflicts of a file.
func (e *Engine) Conflicts(repository, path string) []*Conflict {
	return e.agg.ForFile(repository, path)
}

// IngestResult is the synchronous part of an ingestion: the applied change
// and Tier 1's accepted conflicts. Tiers 2 and 3 arrive later through the
// hub.
type IngestResult struct {
	*update.Result
	Conflicts []*Conflict
}

// Ingest applies one file version, publishes the change and its graph delta,
// runs Tier 1 and schedules tiers 2 and 3. Ingestions of the same file are
// serialized; different files proceed concurrently. A cancelled ctx never
// reaches the store.
func (e *Engine) Ingest(ctx context.Context, ev ChangeEvent) (_ *IngestResult, err error) {
	ctx, span := e.tracer.Start(ctx, "conflux.Ingest", trace.WithAttributes(
		attribute.String("repository", ev.Repository),
		attribute.String("path", ev.Path)))
	defer func() { observability.EndSpan(span, err) }()

	unlock, err := e.files.lock(ctx, ev.Key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	res, err := e.updater.Apply(ctx, ev)
	if err != nil {
		e.fail(ev, err, time.Since(start))
		return nil, err
	}
	if res.CacheHit {
		e.metrics.ObserveIngest("cache_hit", time.Since(start))
		return &IngestResult{Result: res}, nil
	}
	e.metrics.Retried(res.Commit.Attempts - 1)

	e.publish(ev.Repository, protocol.NewCodeChangeDetected(ev.Repository, ev.Path))
	if g := graphUpdate(ev.Repository, res.Commit); g != nil {
		e.publish(ev.Repository, protocol.NewGraphUpdate(*g))
	}

	conflicts, err := e.pipeline.Run(ctx, res)
	e.metrics.ObserveIngest("applied", time.Since(start))
	if err != nil {
		// The change is committed; only the deeper tiers are lost.
		e.logger.Warn("tiers 2-3 not scheduled", zap.String("path", ev.Path), zap.Error(err))
	}
	return &IngestResult{Result: res, Conflicts: conflicts}, nil
}

// fail records and publishes a failed ingestion.
func (e *Engine) fail(ev ChangeEvent, err error, d time.Duration) {
	var (
		result = "error"
		code   = protocol.CodeInternalError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.metrics.ObserveIngest("cancelled", d)
		return
	case errors.Is(err, update.ErrParseFailure):
		result, code = "parse_failure", protocol.CodeParseError
	case errors.Is(err, store.ErrTransactionConflict):
		code = protocol.CodeStorageError
	}
	e.metrics.ObserveIngest(result, d)
	e.logger.Warn("ingest failed", zap.String("path", ev.Path), zap.String("code", code), zap.Error(err))
	e.publish(ev.Repository, protocol.NewError(code, "%s: %v", ev.Path, err))
}

// publish hands m to the hub on the engine's lifetime context. Messages
// published during shutdown are dropped.
func (e *Engine) publish(repository string, m *protocol.Message) {
	err := e.hub.Publish(e.ctx, repository, m)
	if err != nil && !errors.Is(err, session.ErrHubClosed) && e.ctx.Err() == nil {
		e.logger.Warn("publish failed", zap.String("kind", string(m.Kind)), zap.Error(err))
	}
}

// emit forwards aggregator emissions as ConflictUpdate messages.
func (e *Engine) emit(em aggregate.Emission) {
	e.publish(em.Conflict.Repository, protocol.NewConflictUpdate(em.Conflict))
}

func graphUpdate(repository string, c *store.CommitResult) *protocol.GraphUpdate {
	if c == nil {
		return nil
	}
	g := &protocol.GraphUpdate{
		RepositoryID: repository,
		AddedNodes:   c.AddedNodes,
		RemovedNodes: c.RemovedNodes,
	}
	for _, edge := range c.AddedEdges {
		g.AddedEdges = append(g.AddedEdges, edge.ID)
	}
	for _, edge := range c.RemovedEdges {
		g.RemovedEdges = append(g.RemovedEdges, edge.ID)
	}
	if len(g.AddedNodes)+len(g.RemovedNodes)+len(g.AddedEdges)+len(g.RemovedEdges) == 0 {
		return nil
	}
	return g
}

// countingSink reports every aggregator decision to the metrics.
type countingSink struct {
	agg     *aggregate.Aggregator
	metrics *metrics.Metrics
}

func (s countingSink) Begin(key string, seq int64) bool {
	return s.agg.Begin(key, seq)
}

func (s countingSink) Submit(c *aggregate.Conflict) aggregate.Decision {
	d := s.agg.Submit(c)
	s.metrics.Aggregated(string(d))
	return d
}

// fileLocks serializes work per file key. Entries are dropped when no
// goroutine holds or waits for them.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	ch   chan struct{}
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: map[string]*fileLock{}}
}

// lock acquires key, giving up when ctx ends.
func (l *fileLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	fl, ok := l.locks[key]
	if !ok {
		fl = &fileLock{ch: make(chan struct{}, 1)}
		l.locks[key] = fl
	}
	fl.refs++
	l.mu.Unlock()

	select {
	case fl.ch <- struct{}{}:
		return func() {
			<-fl.ch
			l.release(key, fl)
		}, nil
	case <-ctx.Done():
		l.release(key, fl)
		return nil, ctx.Err()
	}
}

func (l *fileLocks) release(key string, fl *fileLock) {
	l.mu.Lock()
	fl.refs--
	if fl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
