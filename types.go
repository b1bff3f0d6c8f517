package conflux

import (
	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// Public aliases for the internal types that appear in the Engine and
// QueryBuilder APIs.

type Store = store.Store
type Node = store.Node
type Edge = store.Edge
type Stats = store.Stats
type LineageRecord = store.LineageRecord
type SourceVersion = store.SourceVersion
type FileVersion = store.ChangeEvent
type ChangeEvent = update.ChangeEvent
type Conflict = aggregate.Conflict
type Severity = aggregate.Severity

// NodeID returns the content-addressed ID of a symbol.
func NodeID(kind store.NodeKind, repository, path, qualifiedName string) string {
	return store.NodeID(kind, repository, path, qualifiedName)
}

// ModuleID returns the ID of the module node that stands for a file.
func ModuleID(repository, path string) string {
	return update.ModuleID(repository, path)
}
