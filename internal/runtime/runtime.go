// Package runtime embeds a Risor VM for user-supplied graph scripts. The
// engine uses it to evaluate critical-path predicates against nodes.
package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/store"
)

// Runtime evaluates Risor scripts with the engine's host functions.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	logger     *zap.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFS loads scripts and resolves imports from fsys instead of disk.
func WithFS(fsys fs.FS) Option {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithLogger routes the script-level log object to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRuntime creates a Runtime. scriptsDir anchors relative script paths
// and import statements; it may be empty.
func NewRuntime(scriptsDir string, opts ...Option) *Runtime {
	r := &Runtime{scriptsDir: scriptsDir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Eval runs source with the standard host globals plus extra and returns
// the value of the final expression.
func (r *Runtime) Eval(ctx context.Context, source, label string, extra map[string]any) (object.Object, error) {
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	code, err := r.compile(ctx, source, label, names...)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, code, label, extra)
}

// compile parses and compiles source for the host globals plus names.
func (r *Runtime) compile(ctx context.Context, source, label string, names ...string) (*compiler.Code, error) {
	placeholders := make(map[string]any, len(names))
	for _, name := range names {
		placeholders[name] = object.Nil
	}
	cfg := risor.NewConfig(r.options(placeholders)...)
	ast, err := parser.Parse(ctx, source, parser.WithFilename(label))
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	code, err := compiler.Compile(ast, cfg.CompilerOpts()...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return code, nil
}

// run executes compiled code on a fresh VM.
func (r *Runtime) run(ctx context.Context, code *compiler.Code, label string, extra map[string]any) (object.Object, error) {
	result, err := risor.EvalCode(ctx, code, r.options(extra)...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	if e, ok := result.(*object.Error); ok {
		return nil, fmt.Errorf("runtime: script %s: %s", label, e.Inspect())
	}
	return result, nil
}

func (r *Runtime) options(extra map[string]any) []risor.Option {
	globals := r.buildGlobals(extra)
	opts := make([]risor.Option, 0, len(globals)+1)
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}
	return opts
}

func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file from the configured FS or scriptsDir.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) && r.scriptsDir != "" {
		fullPath = filepath.Join(r.scriptsDir, path)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	globals := map[string]any{
		"glob":     globFn,
		"has_tag":  hasTagFn,
		"log":      mustProxy(&logObject{logger: r.logger.Named("script")}),
		"critical": object.NewString(store.TagCritical),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

// Predicate is a compiled-once, evaluated-per-node boolean script. The
// node under test is bound to the global "node" as a map.
type Predicate struct {
	rt     *Runtime
	code   *compiler.Code
	label  string
	source string
}

// Predicate compiles source as a node predicate.
func (r *Runtime) Predicate(source, label string) (*Predicate, error) {
	code, err := r.compile(context.Background(), source, label, "node")
	if err != nil {
		return nil, err
	}
	return &Predicate{rt: r, code: code, label: label, source: source}, nil
}

// Source returns the script text the predicate was compiled from.
func (p *Predicate) Source() string { return p.source }

// PredicateFromFile loads path and compiles it as a node predicate.
func (r *Runtime) PredicateFromFile(path string) (*Predicate, error) {
	src, err := r.LoadScript(path)
	if err != nil {
		return nil, err
	}
	return r.Predicate(src, path)
}

// Match reports whether the script's final value is truthy for n.
func (p *Predicate) Match(ctx context.Context, n *store.Node) (bool, error) {
	result, err := p.rt.run(ctx, p.code, p.label, map[string]any{"node": NodeObject(n)})
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	return result.IsTruthy(), nil
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
