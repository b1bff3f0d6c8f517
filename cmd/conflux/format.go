package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"

	"github.com/jward/conflux"
	"github.com/jward/conflux/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// validateFormat checks that the format flag is a supported value.
func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid format %q: must be json or text", format)
	}
}

// outputResult writes result in the selected format.
func outputResult(w io.Writer, result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to w as a
// CLIResult envelope. In text mode it goes to errw.
func outputError(w, errw io.Writer, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(errw, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

func outputResultText(w io.Writer, result CLIResult) error {
	switch r := result.Results.(type) {
	case nil:
		fmt.Fprintln(w, "No results.")
	case CLINode:
		formatNodesText(w, []CLINode{r})
	case []CLINode:
		if len(r) == 0 {
			fmt.Fprintln(w, "No results.")
			break
		}
		formatNodesText(w, r)
		if result.TotalCount != nil && *result.TotalCount > len(r) {
			fmt.Fprintf(w, "(%d of %d)\n", len(r), *result.TotalCount)
		}
	case []CLIFileResult:
		formatFilesText(w, r)
	case []CLIVersion:
		formatVersionsText(w, r)
	case []CLILineage:
		formatLineageText(w, r)
	case *conflux.Stats:
		formatStatsText(w, r)
	case bool:
		fmt.Fprintln(w, r)
	default:
		fmt.Fprintf(w, "%v\n", r)
	}
	return nil
}

// formatNodesText formats nodes as aligned columns.
func formatNodesText(w io.Writer, nodes []CLINode) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tFILE\tLINE\tCRITICAL\tID")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
			n.QualifiedName, n.Kind, n.Path, n.StartLine, n.Critical, n.ID)
	}
	tw.Flush()
}

// formatFilesText lists each ingested file followed by its conflicts.
func formatFilesText(w io.Writer, files []CLIFileResult) {
	for _, f := range files {
		switch {
		case f.CacheHit:
			fmt.Fprintf(w, "%s: unchanged\n", f.Path)
			continue
		case len(f.Conflicts) == 0:
			fmt.Fprintf(w, "%s: no conflicts\n", f.Path)
			continue
		}
		fmt.Fprintf(w, "%s: %d conflict(s)\n", f.Path, len(f.Conflicts))
		for _, c := range f.Conflicts {
			formatConflictText(w, c)
		}
	}
}

func formatConflictText(w io.Writer, c protocol.Conflict) {
	fmt.Fprintf(w, "  [%s] %s (tier %d, confidence %.2f)\n", strings.ToUpper(c.Severity), c.Type, c.Tier, c.Confidence)
	fmt.Fprintf(w, "    %s\n", c.Description)
	if c.Resolution != nil {
		fmt.Fprintf(w, "    fix: %s\n", c.Resolution.Summary)
		for _, s := range c.Resolution.Steps {
			fmt.Fprintf(w, "      - %s\n", s)
		}
	}
}

func formatVersionsText(w io.Writer, versions []CLIVersion) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tLINEAGE\tREVISION\tHASH\tRECORDED")
	for _, v := range versions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Seq, v.Lineage, shortHash(v.Revision), shortHash(v.ContentHash), v.RecordedAt)
	}
	tw.Flush()
}

func formatLineageText(w io.Writer, recs []CLILineage) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tINPUT\tOUTPUT\tDURATION\tEXECUTED\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\t%s\n",
			r.Operation, shortHash(r.InputHash), shortHash(r.OutputHash), r.DurationMS, r.ExecutedAt, r.Error)
	}
	tw.Flush()
}

func formatStatsText(w io.Writer, st *conflux.Stats) {
	fmt.Fprintln(w, "Graph Statistics")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "Nodes:        %d\n", st.Nodes)
	fmt.Fprintf(w, "Edges:        %d\n", st.Edges)
	fmt.Fprintf(w, "Reachability: %d\n", st.Reachability)
	fmt.Fprintf(w, "Pending refs: %d\n", st.Pending)
	fmt.Fprintf(w, "Changes:      %d\n", st.Changes)
	fmt.Fprintf(w, "Lineage:      %d\n", st.Lineage)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
