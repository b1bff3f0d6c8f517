package tier

import (
	"context"
	"fmt"
	"sort"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// maxResolutionFiles caps the files listed in a resolution.
const maxResolutionFiles = 50

// impact is the transitive region a change reaches.
type impact struct {
	set      *affectedSet
	files    map[string]bool
	critical bool
}

func (im *impact) visit(n *store.Node) {
	if n.Kind == store.KindModule {
		return
	}
	im.set.add(n.ID)
	if len(im.files) < maxResolutionFiles {
		im.files[n.Path] = true
	}
	if n.Critical() {
		im.critical = true
	}
}

// transitiveImpact streams the ancestors of the anchor from the
// reachability index. A removed anchor has no index rows left, so its former
// direct dependents and their ancestors stand in for it.
func transitiveImpact(ctx context.Context, g store.Graph, res *update.Result, ch update.Change) (*impact, error) {
	anchor := ch.Node()
	im := &impact{set: newAffectedSet(), files: map[string]bool{anchor.Path: true}, critical: anchor.Critical()}
	if ch.Before != nil && ch.Before.Critical() {
		im.critical = true
	}

	roots := []string{anchor.ID}
	if ch.Op == store.OpRemove {
		deps, err := directDependents(ctx, g, res, ch)
		if err != nil {
			return nil, err
		}
		roots = deps.set.list()
		for _, id := range roots {
			n, err := g.GetNode(ctx, id)
			if err != nil {
				return nil, err
			}
			if n != nil {
				im.visit(n)
			}
		}
	}

	for _, root := range roots {
		it := g.Ancestors(ctx, root, "")
		for it.Next() {
			im.visit(it.Node())
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}
	return im, nil
}

// breadthSeverity grades a change by how many symbols it reaches.
func breadthSeverity(n int) aggregate.Severity {
	switch {
	case n == 0:
		return aggregate.SeverityLow
	case n <= 3:
		return aggregate.SeverityMedium
	case n <= 20:
		return aggregate.SeverityHigh
	}
	return aggregate.SeverityCritical
}

// breakingType reports whether a conflict type means callers break.
func breakingType(t aggregate.Type) bool {
	return t == aggregate.TypeBreakingAPIChange || t == aggregate.TypeBrokenReference
}

// Tier3 computes the transitive impact of each prior conflict. Any critical
// node in the affected region, or a critical anchor, makes the conflict
// Critical at 0.95; otherwise breaking conflicts are graded by breadth at
// 0.85 and non-breaking ones keep their severity. Every result carries a
// resolution.
func Tier3(ctx context.Context, g store.Graph, res *update.Result, prior []*aggregate.Conflict) ([]*aggregate.Conflict, error) {
	idx := indexChanges(res)
	out := make([]*aggregate.Conflict, 0, len(prior))
	for _, p := range prior {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, ok := idx[p.Anchor]
		if !ok {
			continue
		}
		im, err := transitiveImpact(ctx, g, res, ch)
		if err != nil {
			return nil, fmt.Errorf("tier 3: impact of %s: %w", p.Anchor, err)
		}

		c := newConflict(res, p.Anchor, GraphImpact)
		c.Type = p.Type
		affected := []string{p.Anchor}
		for _, id := range im.set.list() {
			if id != p.Anchor {
				affected = append(affected, id)
			}
		}
		c.AffectedSymbols = affected
		reach := im.set.count

		switch {
		case im.critical:
			c.Severity = aggregate.SeverityCritical
			c.Confidence = ConfidenceCritical
		case breakingType(p.Type) || (p.Type == aggregate.TypeSymbolRemoved && reach > 0):
			c.Severity = max(p.Severity, breadthSeverity(reach))
			c.Confidence = ConfidenceImpact
		default:
			c.Severity = p.Severity
			c.Confidence = ConfidenceImpact
		}
		c.Description = fmt.Sprintf("%s reaches %d symbol(s) across %d file(s)", p.Description, reach, len(im.files))
		if im.critical {
			c.Description += " including a critical path"
		}
		c.Resolution = resolve(ch, p.Type, im)
		out = append(out, c)
	}
	return out, nil
}

func resolve(ch update.Change, t aggregate.Type, im *impact) *aggregate.Resolution {
	n := ch.Node()
	files := make([]string, 0, len(im.files))
	for f := range im.files {
		files = append(files, f)
	}
	sort.Strings(files)

	r := &aggregate.Resolution{Files: files}
	switch t {
	case aggregate.TypeSymbolRemoved, aggregate.TypeBrokenReference:
		r.Summary = fmt.Sprintf("Restore %s or migrate its %d dependent(s)", n.QualifiedName, im.set.count)
		r.Steps = []string{
			fmt.Sprintf("Find every reference to %s in the listed files", n.Name),
			"Replace each reference with the new API or reinstate the removed symbol",
			"Re-run analysis to confirm no references remain",
		}
	case aggregate.TypeBreakingAPIChange, aggregate.TypeSignatureChange:
		r.Summary = fmt.Sprintf("Update callers of %s to the new signature", n.QualifiedName)
		r.Steps = []string{
			fmt.Sprintf("New signature: %s", n.Signature.Text),
			"Update direct callers first, then re-check their dependents",
			"Consider a compatibility shim if callers cannot change together",
		}
	case aggregate.TypeVisibilityReduced:
		r.Summary = fmt.Sprintf("Restore visibility of %s or move its external users", n.QualifiedName)
		r.Steps = []string{
			fmt.Sprintf("Visibility is now %s", n.Visibility),
			"Move external callers behind a public entry point",
		}
	default:
		r.Summary = fmt.Sprintf("Review the change to %s", n.QualifiedName)
	}
	if im.critical {
		r.Steps = append(r.Steps, "A critical path is affected: require review before merging")
	}
	return r
}
