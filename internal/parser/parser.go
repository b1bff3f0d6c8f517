// Package parser defines the syntax collaborator the update engine consumes
// and a default tree-sitter implementation. The extraction heuristics in the
// default implementation are deliberately shallow: top-level and nested
// declarations, call sites and type mentions.
package parser

import (
	"context"
	"errors"
	"fmt"

	"github.com/jward/conflux/internal/store"
)

// Request is one file version to parse.
type Request struct {
	Repository string
	Path       string
	// Language overrides detection from the path extension when set.
	Language string
	Content  []byte
}

// Symbol is a declaration found in a file.
type Symbol struct {
	Name          string
	QualifiedName string
	Kind          store.NodeKind
	Visibility    string
	StartLine     int
	EndLine       int
	Signature     store.Signature
	ContentHash   string
}

// Reference is a use of a name. From is the qualified name of the enclosing
// symbol, or empty for file-level code.
type Reference struct {
	From string
	Name string
	Kind store.EdgeKind
	Line int
}

// Snapshot is the structural content of one file version.
type Snapshot struct {
	Language   string
	Symbols    []Symbol
	References []Reference
}

// Parser turns file content into a Snapshot. Implementations must honor ctx
// cancellation and report failures as *Error.
type Parser interface {
	Parse(ctx context.Context, req Request) (*Snapshot, error)
}

// Error is a language-tagged parse failure.
type Error struct {
	Language string
	Path     string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	lang := e.Language
	if lang == "" {
		lang = "unknown"
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s (%s): %s: %v", e.Path, lang, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s (%s): %s", e.Path, lang, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnsupportedLanguage is wrapped by Error when no grammar matches.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Func adapts a function to Parser.
type Func func(ctx context.Context, req Request) (*Snapshot, error)

// Parse calls f.
func (f Func) Parse(ctx context.Context, req Request) (*Snapshot, error) {
	return f(ctx, req)
}
