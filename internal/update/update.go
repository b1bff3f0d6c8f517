// Package update turns file versions into graph diffs. It short-circuits
// unchanged content by hash, asks the parser for the file's structure,
// diffs that against the stored nodes and edges of the file and applies
// the result as one store transaction.
package update

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/observability"
	"github.com/jward/conflux/internal/parser"
	"github.com/jward/conflux/internal/store"
)

// Lineage operations recorded by the engine.
const (
	OpApply = "update.apply"
	OpParse = "update.parse"
)

// DefaultParseTimeout bounds one parser call.
const DefaultParseTimeout = 2 * time.Second

// ChangeEvent is one new version of a file.
type ChangeEvent struct {
	Repository string
	Path       string
	Content    []byte
	Version    store.SourceVersion
	// Language overrides detection from the path when set.
	Language string
}

// Key identifies the file an event belongs to.
func (ev ChangeEvent) Key() string {
	return ev.Repository + ":" + ev.Path
}

// Change pairs the stored and the new version of one node.
type Change struct {
	Op     store.DeltaOp
	Before *store.Node
	After  *store.Node
}

// Node returns the most recent version of the node.
func (c Change) Node() *store.Node {
	if c.After != nil {
		return c.After
	}
	return c.Before
}

// Result is the outcome of applying one ChangeEvent.
type Result struct {
	Repository  string
	Path        string
	Language    string
	ContentHash string
	ModuleID    string
	CacheHit    bool
	Changes     []Change
	Commit      *store.CommitResult
	Lineage     *store.LineageRecord
	Duration    time.Duration
}

// Seq is the change sequence the diff was committed under, 0 on a cache
// hit.
func (r *Result) Seq() int64 {
	if r == nil || r.Commit == nil {
		return 0
	}
	return r.Commit.ChangeSeq
}

// Tagger decorates new node versions before they are stored. Fingerprint
// identifies its rules; a file is re-tagged when it changes.
type Tagger interface {
	Tag(ctx context.Context, nodes []*store.Node) error
	Fingerprint() string
}

// Engine applies change events to a graph.
type Engine struct {
	graph        store.Graph
	parser       parser.Parser
	tagger       Tagger
	parseTimeout time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithParseTimeout bounds each parser call.
func WithParseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.parseTimeout = d
		}
	}
}

// WithTagger sets the tagger run over every new node version.
func WithTagger(t Tagger) Option {
	return func(e *Engine) {
		e.tagger = t
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine over graph and p.
func New(graph store.Graph, p parser.Parser, opts ...Option) *Engine {
	e := &Engine{
		graph:        graph,
		parser:       p,
		parseTimeout: DefaultParseTimeout,
		logger:       zap.NewNop(),
		tracer:       observability.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("update")
	return e
}

// ModuleID is the node ID of the module node standing for a whole file.
func ModuleID(repository, path string) string {
	return store.NodeID(store.KindModule, repository, path, path)
}

// Apply ingests ev. Unchanged content returns a cache-hit Result with no
// graph mutation. A parser failure returns a *ParseFailure and leaves the
// file's graph state untouched. A cancelled ctx never reaches the store.
func (e *Engine) Apply(ctx context.Context, ev ChangeEvent) (res *Result, err error) {
	if ev.Repository == "" || ev.Path == "" {
		return nil, errors.New("update: repository and path are required")
	}
	if ev.Version.Timestamp.IsZero() {
		ev.Version.Timestamp = time.Now().UTC()
	}

	ctx, span := e.tracer.Start(ctx, "update.Apply", trace.WithAttributes(
		attribute.String("repository", ev.Repository),
		attribute.String("path", ev.Path)))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	hash := e.cacheKey(ev.Content)
	moduleID := ModuleID(ev.Repository, ev.Path)
	res = &Result{
		Repository:  ev.Repository,
		Path:        ev.Path,
		Language:    ev.Language,
		ContentHash: hash,
		ModuleID:    moduleID,
	}

	state, err := e.unchanged(ctx, ev, moduleID, hash)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", ev.Path, err)
	}
	if state != nil {
		res.CacheHit = true
		res.Language = state.Language
		res.Lineage = &store.LineageRecord{
			SubjectID:   moduleID,
			SubjectKind: string(store.KindModule),
			Operation:   OpApply,
			InputHash:   hash,
			OutputHash:  hash,
			ExecutedAt:  start,
			Duration:    time.Since(start),
			CacheHit:    true,
			ChangeSeq:   state.ChangeSeq,
		}
		if err := e.graph.RecordLineage(ctx, res.Lineage); err != nil {
			return nil, fmt.Errorf("update %s: %w", ev.Path, err)
		}
		res.Duration = time.Since(start)
		e.logger.Debug("cache hit", zap.String("path", ev.Path), zap.String("hash", hash[:12]))
		return res, nil
	}

	snap, err := e.parse(ctx, ev)
	if err != nil {
		var pf *ParseFailure
		if errors.As(err, &pf) {
			e.recordFailure(ctx, moduleID, hash, start, pf)
		}
		return nil, err
	}
	res.Language = snap.Language
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	diff, changes, err := e.buildDiff(ctx, ev, snap, hash)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", ev.Path, err)
	}
	diff.Lineage = &store.LineageRecord{
		SubjectID:   moduleID,
		SubjectKind: string(store.KindModule),
		Operation:   OpApply,
		InputHash:   hash,
		OutputHash:  diffHash(diff),
		ExecutedAt:  start,
	}

	// A superseded or cancelled ingestion must not write.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	diff.Lineage.Duration = time.Since(start)
	commit, err := e.graph.ApplyDiff(ctx, diff)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", ev.Path, err)
	}
	res.Changes = changes
	res.Commit = commit
	res.Lineage = diff.Lineage
	res.Duration = time.Since(start)

	e.logger.Debug("applied",
		zap.String("path", ev.Path),
		zap.Int64("seq", commit.ChangeSeq),
		zap.Int("added_nodes", len(commit.AddedNodes)),
		zap.Int("updated_nodes", len(commit.UpdatedNodes)),
		zap.Int("removed_nodes", len(commit.RemovedNodes)),
		zap.Int("added_edges", len(commit.AddedEdges)),
		zap.Int("removed_edges", len(commit.RemovedEdges)),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

// Preview computes the changes ev would make without writing anything, not
// even lineage. The Result has no Commit and a zero Seq.
func (e *Engine) Preview(ctx context.Context, ev ChangeEvent) (*Result, error) {
	if ev.Repository == "" || ev.Path == "" {
		return nil, errors.New("update: repository and path are required")
	}
	start := time.Now()
	hash := e.cacheKey(ev.Content)
	res := &Result{
		Repository:  ev.Repository,
		Path:        ev.Path,
		Language:    ev.Language,
		ContentHash: hash,
		ModuleID:    ModuleID(ev.Repository, ev.Path),
	}
	state, err := e.unchanged(ctx, ev, res.ModuleID, hash)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", ev.Path, err)
	}
	if state != nil {
		res.CacheHit = true
		res.Language = state.Language
		res.Duration = time.Since(start)
		return res, nil
	}
	snap, err := e.parse(ctx, ev)
	if err != nil {
		return nil, err
	}
	res.Language = snap.Language
	_, changes, err := e.buildDiff(ctx, ev, snap, hash)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", ev.Path, err)
	}
	res.Changes = changes
	res.Duration = time.Since(start)
	return res, nil
}

// cacheKey is the content hash, folded with the tagger's fingerprint when
// tagging rules are configured.
func (e *Engine) cacheKey(content []byte) string {
	hash := store.ContentHash(content)
	if e.tagger == nil {
		return hash
	}
	if fp := e.tagger.Fingerprint(); fp != "" {
		return store.ContentHash([]byte(hash + "\x00" + fp))
	}
	return hash
}

// unchanged returns the file's state when hash is both what the lineage
// last applied and what the graph, shared by every lineage, holds for the
// file now.
func (e *Engine) unchanged(ctx context.Context, ev ChangeEvent, moduleID, hash string) (*store.FileState, error) {
	state, err := e.graph.FileState(ctx, ev.Repository, ev.Version.Lineage, ev.Path)
	if err != nil || state == nil || state.ContentHash != hash {
		return nil, err
	}
	module, err := e.graph.GetNode(ctx, moduleID)
	if err != nil || module == nil || module.ContentHash != hash {
		return nil, err
	}
	return state, nil
}

func (e *Engine) parse(ctx context.Context, ev ChangeEvent) (*parser.Snapshot, error) {
	lang := ev.Language
	if lang == "" {
		lang, _ = parser.LanguageForFile(ev.Path)
	}
	pctx, cancel := context.WithTimeout(ctx, e.parseTimeout)
	defer cancel()

	snap, err := e.parser.Parse(pctx, parser.Request{
		Repository: ev.Repository,
		Path:       ev.Path,
		Language:   ev.Language,
		Content:    ev.Content,
	})
	if err == nil {
		if snap.Language == "" {
			snap.Language = lang
		}
		return snap, nil
	}
	// The caller giving up is not the parser's fault.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pf := &ParseFailure{Repository: ev.Repository, Path: ev.Path, Language: lang, Reason: err.Error(), Err: err}
	var perr *parser.Error
	if errors.As(err, &perr) {
		if perr.Language != "" {
			pf.Language = perr.Language
		}
		pf.Reason = perr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) || pctx.Err() != nil {
		pf.Reason = fmt.Sprintf("parser timed out after %s", e.parseTimeout)
	}
	return nil, pf
}

// recordFailure appends a lineage record for a failed parse. It never
// touches nodes or edges.
func (e *Engine) recordFailure(ctx context.Context, moduleID, hash string, start time.Time, pf *ParseFailure) {
	rec := &store.LineageRecord{
		SubjectID:   moduleID,
		SubjectKind: string(store.KindModule),
		Operation:   OpParse,
		InputHash:   hash,
		ExecutedAt:  start,
		Duration:    time.Since(start),
		Error:       pf.Error(),
	}
	if err := e.graph.RecordLineage(ctx, rec); err != nil {
		e.logger.Warn("record parse failure", zap.String("path", pf.Path), zap.Error(err))
	}
	e.logger.Info("parse failure",
		zap.String("path", pf.Path),
		zap.String("language", pf.Language),
		zap.String("reason", pf.Reason))
}

func moduleNode(ev ChangeEvent, lang, hash string, lines int) *store.Node {
	return &store.Node{
		ID:            ModuleID(ev.Repository, ev.Path),
		Kind:          store.KindModule,
		Repository:    ev.Repository,
		Path:          ev.Path,
		Name:          filepath.Base(ev.Path),
		QualifiedName: ev.Path,
		Language:      lang,
		StartLine:     1,
		EndLine:       lines,
		Visibility:    "public",
		ContentHash:   hash,
	}
}
