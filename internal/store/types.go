package store

import (
	"slices"
	"time"
)

// NodeKind classifies a graph node.
type NodeKind string

const (
	KindModule   NodeKind = "module"
	KindFunction NodeKind = "function"
	KindMethod   NodeKind = "method"
	KindType     NodeKind = "type"
	KindVariable NodeKind = "variable"
)

// EdgeKind is the relationship an edge records. Source depends on Target.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeReferences EdgeKind = "references"
	EdgeImports    EdgeKind = "imports"
	EdgeInherits   EdgeKind = "inherits"
)

// CreationMethod tags how an edge was derived.
type CreationMethod string

const (
	// CreatedSyntactic edges were resolved inside the declaring file.
	CreatedSyntactic CreationMethod = "syntactic"
	// CreatedInferred edges were resolved by name across files.
	CreatedInferred CreationMethod = "inferred"
)

// Direction selects which side of an edge Neighbors follows.
type Direction int

const (
	// Outgoing yields the nodes id depends on.
	Outgoing Direction = iota
	// Incoming yields the nodes that depend on id.
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// TagCritical marks a node on a designated critical path.
const TagCritical = "critical"

// SourceVersion identifies where a node's content came from. Lineage is the
// version line (usually a branch) that content hashes are compared within.
type SourceVersion struct {
	Lineage   string    `json:"lineage"`
	Revision  string    `json:"revision,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Param is one parameter of a callable signature.
type Param struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Signature is the contract-relevant shape of a symbol.
type Signature struct {
	Text    string   `json:"text,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Returns []string `json:"returns,omitempty"`
}

// Node is a code entity. ID is content-addressed over kind and identity
// (repository, path, qualified name), so an edited symbol keeps its ID.
type Node struct {
	ID            string
	Kind          NodeKind
	Repository    string
	Path          string
	Name          string
	QualifiedName string
	Language      string
	StartLine     int
	EndLine       int
	Visibility    string
	Signature     Signature
	SignatureHash string
	ContentHash   string
	Tags          []string
	Version       SourceVersion
	ChangeSeq     int64
}

// HasTag reports whether tag is set on n.
func (n *Node) HasTag(tag string) bool {
	return slices.Contains(n.Tags, tag)
}

// Critical reports whether n sits on a designated critical path.
func (n *Node) Critical() bool {
	return n.HasTag(TagCritical)
}

// Edge is a directed dependency. RefName is the name used at the reference
// site and is what the edge is parked under if its target disappears.
type Edge struct {
	ID             string
	Source         string
	Target         string
	Kind           EdgeKind
	CreationMethod CreationMethod
	RefName        string
	Repository     string
	Path           string
}

// PendingRef is a reference whose target is not in the graph yet.
type PendingRef struct {
	Repository string
	Path       string
	Source     string
	TargetName string
	Kind       EdgeKind
}

// DeltaOp is the mutation a delta applies.
type DeltaOp string

const (
	OpAdd    DeltaOp = "add"
	OpUpdate DeltaOp = "update"
	OpRemove DeltaOp = "remove"
)

// NodeDelta adds, updates or removes one node. Removals only need Node.ID.
type NodeDelta struct {
	Op   DeltaOp
	Node *Node
}

// EdgeDelta adds or removes one edge. Removals only need Edge.ID.
type EdgeDelta struct {
	Op   DeltaOp
	Edge *Edge
}

// Diff is everything one file version changes, applied as one transaction.
type Diff struct {
	Repository  string
	Path        string
	Language    string
	ContentHash string
	Version     SourceVersion
	Nodes       []NodeDelta
	Edges       []EdgeDelta
	// Pending replaces the file's unresolved references.
	Pending []PendingRef
	// Lineage is recorded in the same transaction when set.
	Lineage *LineageRecord
}

// Empty reports whether the diff mutates no nodes or edges.
func (d *Diff) Empty() bool {
	return len(d.Nodes) == 0 && len(d.Edges) == 0
}

// CommitResult describes a committed diff.
type CommitResult struct {
	ChangeSeq    int64
	AddedNodes   []string
	UpdatedNodes []string
	RemovedNodes []string
	AddedEdges   []*Edge
	RemovedEdges []*Edge
	// Attempts counts transaction attempts including retries.
	Attempts int
}

// ChangeEvent is the durable record of an applied file version.
type ChangeEvent struct {
	Seq         int64
	Repository  string
	Path        string
	ContentHash string
	Version     SourceVersion
	RecordedAt  time.Time
}

// FileState is the last applied content hash for a file within a lineage.
type FileState struct {
	Repository  string
	Lineage     string
	Path        string
	ContentHash string
	Language    string
	ChangeSeq   int64
	UpdatedAt   time.Time
}

// LineageRecord is an append-only provenance entry for one pipeline stage.
type LineageRecord struct {
	ID          string
	SubjectID   string
	SubjectKind string
	Operation   string
	InputHash   string
	OutputHash  string
	ExecutedAt  time.Time
	Duration    time.Duration
	CacheHit    bool
	Error       string
	ChangeSeq   int64
}

// Stats summarizes the stored graph.
type Stats struct {
	Nodes        int64 `json:"nodes"`
	Edges        int64 `json:"edges"`
	Reachability int64 `json:"reachability"`
	Pending      int64 `json:"pending_refs"`
	Changes      int64 `json:"changes"`
	Lineage      int64 `json:"lineage_records"`
}
