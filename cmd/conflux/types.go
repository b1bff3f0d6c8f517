package main

import (
	"github.com/jward/conflux"
	"github.com/jward/conflux/internal/protocol"
)

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLINode is a JSON-friendly graph node.
type CLINode struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	QualifiedName string `json:"qualified_name"`
	Path          string `json:"path"`
	Language      string `json:"language"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Visibility    string `json:"visibility,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Critical      bool   `json:"critical,omitempty"`
}

// CLIFileResult reports one ingested file.
type CLIFileResult struct {
	Path      string              `json:"path"`
	CacheHit  bool                `json:"cache_hit"`
	Conflicts []protocol.Conflict `json:"conflicts"`
}

// CLIVersion is one applied version of a file.
type CLIVersion struct {
	Seq         int64  `json:"seq"`
	ContentHash string `json:"content_hash"`
	Lineage     string `json:"lineage"`
	Revision    string `json:"revision,omitempty"`
	RecordedAt  string `json:"recorded_at"`
}

// CLILineage is one provenance record.
type CLILineage struct {
	Operation  string `json:"operation"`
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash,omitempty"`
	ExecutedAt string `json:"executed_at"`
	DurationMS int64  `json:"duration_ms"`
	CacheHit   bool   `json:"cache_hit,omitempty"`
	Error      string `json:"error,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func nodeToCLI(n *conflux.Node) CLINode {
	return CLINode{
		ID:            n.ID,
		Kind:          string(n.Kind),
		Name:          n.Name,
		QualifiedName: n.QualifiedName,
		Path:          n.Path,
		Language:      n.Language,
		StartLine:     n.StartLine,
		EndLine:       n.EndLine,
		Visibility:    n.Visibility,
		Signature:     n.Signature.Text,
		Critical:      n.Critical(),
	}
}

func nodesToCLI(nodes []*conflux.Node) []CLINode {
	out := make([]CLINode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeToCLI(n))
	}
	return out
}

func conflictsToCLI(cs []*conflux.Conflict) []protocol.Conflict {
	out := make([]protocol.Conflict, 0, len(cs))
	for _, c := range cs {
		out = append(out, protocol.FromConflict(c))
	}
	return out
}

func versionsToCLI(evs []*conflux.FileVersion) []CLIVersion {
	out := make([]CLIVersion, 0, len(evs))
	for _, ev := range evs {
		out = append(out, CLIVersion{
			Seq:         ev.Seq,
			ContentHash: ev.ContentHash,
			Lineage:     ev.Version.Lineage,
			Revision:    ev.Version.Revision,
			RecordedAt:  ev.RecordedAt.Format(timeLayout),
		})
	}
	return out
}

func lineageToCLI(recs []*conflux.LineageRecord) []CLILineage {
	out := make([]CLILineage, 0, len(recs))
	for _, r := range recs {
		out = append(out, CLILineage{
			Operation:  r.Operation,
			InputHash:  r.InputHash,
			OutputHash: r.OutputHash,
			ExecutedAt: r.ExecutedAt.Format(timeLayout),
			DurationMS: r.Duration.Milliseconds(),
			CacheHit:   r.CacheHit,
			Error:      r.Error,
		})
	}
	return out
}
