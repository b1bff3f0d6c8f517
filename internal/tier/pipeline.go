package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/observability"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
	"github.com/jward/conflux/internal/workpool"
)

// Timeouts bound each tier. Tier 1 is never cancelled; its timeout only
// flags slow runs in the log.
type Timeouts struct {
	Tier1 time.Duration
	Tier2 time.Duration
	Tier3 time.Duration
}

// DefaultTimeouts returns 100ms, 1s and 5s.
func DefaultTimeouts() Timeouts {
	return Timeouts{Tier1: 100 * time.Millisecond, Tier2: time.Second, Tier3: 5 * time.Second}
}

func (t Timeouts) forTier(tier int) time.Duration {
	switch tier {
	case Syntactic:
		return t.Tier1
	case Semantic:
		return t.Tier2
	}
	return t.Tier3
}

// Sink accepts tier results. *aggregate.Aggregator implements it.
type Sink interface {
	Begin(key string, seq int64) bool
	Submit(c *aggregate.Conflict) aggregate.Decision
}

// Observer is told the outcome of every tier run: "ok", "timeout",
// "cancelled" or "error".
type Observer func(tier int, outcome string, elapsed time.Duration)

// Pipeline runs the tiers for each applied change. Tier 1 runs on the
// caller's goroutine; tiers 2 and 3 run back to back as one pool job, so
// emissions for a conflict are tier-ordered.
type Pipeline struct {
	graph    store.Graph
	sink     Sink
	pool     *workpool.Pool
	timeouts Timeouts
	logger   *zap.Logger
	tracer   trace.Tracer
	observe  Observer
	versions *Registry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeouts overrides the per-tier timeouts. Zero values keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(p *Pipeline) {
		if t.Tier1 > 0 {
			p.timeouts.Tier1 = t.Tier1
		}
		if t.Tier2 > 0 {
			p.timeouts.Tier2 = t.Tier2
		}
		if t.Tier3 > 0 {
			p.timeouts.Tier3 = t.Tier3
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver sets the tier outcome hook.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observe = o
	}
}

// NewPipeline wires a pipeline. pool runs tiers 2 and 3.
func NewPipeline(graph store.Graph, sink Sink, pool *workpool.Pool, opts ...Option) *Pipeline {
	p := &Pipeline{
		graph:    graph,
		sink:     sink,
		pool:     pool,
		timeouts: DefaultTimeouts(),
		logger:   zap.NewNop(),
		tracer:   observability.Tracer(),
		versions: NewRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("tier")
	return p
}

// Versions exposes the in-flight version registry.
func (p *Pipeline) Versions() *Registry {
	return p.versions
}

// Run analyses one applied change. It cancels any in-flight analysis of an
// older version of the same file, runs Tier 1 inline, submits its results
// and schedules tiers 2 and 3. The returned slice holds Tier 1's results.
// A cache hit or a change without Tier 1 candidates schedules nothing.
func (p *Pipeline) Run(ctx context.Context, res *update.Result) ([]*aggregate.Conflict, error) {
	if res == nil || res.CacheHit {
		return nil, nil
	}
	key := aggregate.FileKey(res.Repository, res.Path)
	seq := res.Seq()
	vctx, done := p.versions.Begin(key, seq)
	if !p.sink.Begin(key, seq) {
		done()
		return nil, nil
	}

	start := time.Now()
	t1 := Tier1(res)
	elapsed := time.Since(start)
	p.report(Syntactic, "ok", elapsed)
	if elapsed > p.timeouts.Tier1 {
		p.logger.Warn("tier 1 exceeded its budget",
			zap.String("path", res.Path), zap.Duration("elapsed", elapsed), zap.Duration("budget", p.timeouts.Tier1))
	}
	accepted := p.submit(vctx, t1)
	if len(t1) == 0 {
		done()
		return accepted, nil
	}

	err := p.pool.Submit(ctx, func(poolCtx context.Context) {
		defer done()
		jobCtx, stop := mergeCancel(vctx, poolCtx)
		defer stop()
		p.refine(jobCtx, res, t1)
	})
	if err != nil {
		done()
		return accepted, fmt.Errorf("schedule tiers 2-3 for %s: %w", res.Path, err)
	}
	return accepted, nil
}

// refine runs tiers 2 and 3. A tier that times out emits nothing and the
// next tier builds on the last results that did land.
func (p *Pipeline) refine(ctx context.Context, res *update.Result, t1 []*aggregate.Conflict) {
	prior := t1
	t2, err := p.stage(ctx, res, Semantic, func(sctx context.Context) ([]*aggregate.Conflict, error) {
		return Tier2(sctx, p.graph, res, t1)
	})
	switch {
	case err == nil:
		p.submit(ctx, t2)
		prior = t2
	case errors.Is(err, ErrTierTimeout):
	default:
		return
	}

	t3, err := p.stage(ctx, res, GraphImpact, func(sctx context.Context) ([]*aggregate.Conflict, error) {
		return Tier3(sctx, p.graph, res, prior)
	})
	if err == nil {
		p.submit(ctx, t3)
	}
}

// stage runs fn under the tier's timeout. A deadline becomes ErrTierTimeout;
// cancellation of ctx, which means a newer version superseded this one, is
// returned as is.
func (p *Pipeline) stage(ctx context.Context, res *update.Result, tier int, fn func(context.Context) ([]*aggregate.Conflict, error)) (out []*aggregate.Conflict, err error) {
	sctx, span := p.tracer.Start(ctx, "tier."+Name(tier), trace.WithAttributes(
		attribute.String("path", res.Path),
		attribute.Int64("seq", res.Seq())))
	defer func() { observability.EndSpan(span, err) }()

	timeout := p.timeouts.forTier(tier)
	tctx, cancel := context.WithTimeout(sctx, timeout)
	defer cancel()

	start := time.Now()
	out, err = fn(tctx)
	elapsed := time.Since(start)
	switch {
	case ctx.Err() != nil:
		p.report(tier, "cancelled", elapsed)
		p.logger.Debug("tier cancelled", zap.Int("tier", tier), zap.String("path", res.Path), zap.Int64("seq", res.Seq()))
		return nil, ctx.Err()
	case tctx.Err() != nil:
		p.report(tier, "timeout", elapsed)
		p.logger.Warn("tier timed out",
			zap.Int("tier", tier), zap.String("path", res.Path), zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("tier %d on %s: %w", tier, res.Path, ErrTierTimeout)
	case err != nil:
		p.report(tier, "error", elapsed)
		p.logger.Error("tier failed", zap.Int("tier", tier), zap.String("path", res.Path), zap.Error(err))
		return nil, err
	}
	p.report(tier, "ok", elapsed)
	p.logger.Debug("tier done", zap.Int("tier", tier), zap.String("path", res.Path),
		zap.Int("conflicts", len(out)), zap.Duration("elapsed", elapsed))
	return out, nil
}

// submit hands results to the sink unless the version was superseded.
func (p *Pipeline) submit(ctx context.Context, cs []*aggregate.Conflict) []*aggregate.Conflict {
	var accepted []*aggregate.Conflict
	for _, c := range cs {
		if ctx.Err() != nil {
			return accepted
		}
		if p.sink.Submit(c).Accepted() {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func (p *Pipeline) report(tier int, outcome string, d time.Duration) {
	if p.observe != nil {
		p.observe(tier, outcome, d)
	}
}

// Detect runs the requested tiers synchronously against a private
// aggregator and returns the merged conflicts and per-tier timings. Nothing
// is submitted to the pipeline's sink. With no tiers given all three run.
func (p *Pipeline) Detect(ctx context.Context, res *update.Result, tiers ...int) ([]*aggregate.Conflict, map[int]time.Duration, error) {
	want := map[int]bool{}
	for _, t := range tiers {
		want[t] = true
	}
	if len(want) == 0 {
		want = map[int]bool{Syntactic: true, Semantic: true, GraphImpact: true}
	}
	timings := map[int]time.Duration{}
	if res == nil || res.CacheHit {
		return nil, timings, nil
	}

	agg := aggregate.New(nil, p.logger)
	keep := func(cs []*aggregate.Conflict, tier int) {
		if want[tier] {
			for _, c := range cs {
				agg.Submit(c)
			}
		}
	}

	start := time.Now()
	prior := Tier1(res)
	timings[Syntactic] = time.Since(start)
	keep(prior, Syntactic)
	if len(prior) == 0 {
		return nil, timings, nil
	}

	if want[Semantic] || want[GraphImpact] {
		start = time.Now()
		t2, err := p.stage(ctx, res, Semantic, func(sctx context.Context) ([]*aggregate.Conflict, error) {
			return Tier2(sctx, p.graph, res, prior)
		})
		timings[Semantic] = time.Since(start)
		switch {
		case err == nil:
			keep(t2, Semantic)
			prior = t2
		case !errors.Is(err, ErrTierTimeout):
			return nil, timings, err
		}
	}
	if want[GraphImpact] {
		start = time.Now()
		t3, err := p.stage(ctx, res, GraphImpact, func(sctx context.Context) ([]*aggregate.Conflict, error) {
			return Tier3(sctx, p.graph, res, prior)
		})
		timings[GraphImpact] = time.Since(start)
		if err != nil && !errors.Is(err, ErrTierTimeout) {
			return nil, timings, err
		}
		keep(t3, GraphImpact)
	}
	return agg.ForFile(res.Repository, res.Path), timings, nil
}

// mergeCancel returns a context cancelled when either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Registry tracks the newest in-flight version per file and cancels older
// ones.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]*version
}

type version struct {
	seq    int64
	cancel context.CancelFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: map[string]*version{}}
}

// Begin registers seq for key, cancelling the context of any older
// in-flight version. The returned done func releases the entry. A seq older
// than the registered one gets an already-cancelled context.
func (r *Registry) Begin(key string, seq int64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.inflight[key]; ok {
		if cur.seq > seq {
			cancel()
			return ctx, func() {}
		}
		cur.cancel()
	}
	v := &version{seq: seq, cancel: cancel}
	r.inflight[key] = v
	return ctx, func() {
		r.mu.Lock()
		if r.inflight[key] == v {
			delete(r.inflight, key)
		}
		r.mu.Unlock()
		cancel()
	}
}

// InFlight returns the number of files with running analysis.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
