package tier

import (
	"context"
	"fmt"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// dependents lists the direct dependents of an anchor. A module node is a
// dependent when code at file scope references the anchor. For a committed
// removal the store has already dropped the anchor's incoming edges, so they
// are read from the commit instead. A previewed result has no commit and the
// stored graph still holds them.
type dependents struct {
	set       *affectedSet
	crossFile int
}

func directDependents(ctx context.Context, g store.Graph, res *update.Result, ch update.Change) (*dependents, error) {
	anchor := ch.Node()
	d := &dependents{set: newAffectedSet()}

	if ch.Op == store.OpRemove && res.Commit != nil {
		removed := map[string]bool{}
		for _, id := range res.Commit.RemovedNodes {
			removed[id] = true
		}
		for _, e := range res.Commit.RemovedEdges {
			if e.Target != anchor.ID || removed[e.Source] {
				continue
			}
			n, err := g.GetNode(ctx, e.Source)
			if err != nil {
				return nil, err
			}
			if n == nil {
				continue
			}
			d.add(n, anchor)
		}
		return d, nil
	}

	it := g.Neighbors(ctx, anchor.ID, store.Incoming, "")
	for it.Next() {
		d.add(it.Node(), anchor)
	}
	return d, it.Err()
}

func (d *dependents) add(n, anchor *store.Node) {
	d.set.add(n.ID)
	if n.Path != anchor.Path || n.Repository != anchor.Repository {
		d.crossFile++
	}
}

// Tier2 checks each Tier 1 candidate against its direct dependents.
// Incompatible changes with dependents escalate to BreakingAPIChange, or
// BrokenReference for removals. Tier 1 only reports signature changes that
// break the contract, so the one compatible case is reduced visibility with
// no dependent outside the file: it keeps its type at Low severity.
// Candidates with no dependents are confirmed harmless.
func Tier2(ctx context.Context, g store.Graph, res *update.Result, candidates []*aggregate.Conflict) ([]*aggregate.Conflict, error) {
	idx := indexChanges(res)
	out := make([]*aggregate.Conflict, 0, len(candidates))
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, ok := idx[cand.Anchor]
		if !ok {
			continue
		}
		deps, err := directDependents(ctx, g, res, ch)
		if err != nil {
			return nil, fmt.Errorf("tier 2: dependents of %s: %w", cand.Anchor, err)
		}
		out = append(out, assess(res, ch, cand, deps))
	}
	return out, nil
}

func assess(res *update.Result, ch update.Change, cand *aggregate.Conflict, deps *dependents) *aggregate.Conflict {
	n := ch.Node()
	c := newConflict(res, cand.Anchor, Semantic)
	c.Type = cand.Type
	affected := append([]string{cand.Anchor}, deps.set.list()...)
	c.AffectedSymbols = affected
	count := deps.set.count

	if count == 0 {
		c.Severity = aggregate.SeverityLow
		c.Confidence = ConfidenceNoDependents
		c.Description = fmt.Sprintf("%s: no dependents of %s", cand.Type, n.QualifiedName)
		return c
	}

	breaking := false
	switch cand.Type {
	case aggregate.TypeSymbolRemoved:
		c.Type = aggregate.TypeBrokenReference
		c.Severity = aggregate.SeverityCritical
		c.Confidence = ConfidenceBreaking
		c.Description = fmt.Sprintf("%s was removed but %d symbol(s) still reference it", n.QualifiedName, count)
		return c
	case aggregate.TypeSignatureChange:
		breaking = true
	case aggregate.TypeVisibilityReduced:
		breaking = deps.crossFile > 0
	}

	if breaking {
		c.Type = aggregate.TypeBreakingAPIChange
		c.Severity = aggregate.SeverityHigh
		c.Confidence = ConfidenceBreaking
		c.Description = fmt.Sprintf("%s changed incompatibly and has %d direct dependent(s)", n.QualifiedName, count)
		return c
	}
	c.Severity = aggregate.SeverityLow
	c.Confidence = ConfidenceCompatible
	c.Description = fmt.Sprintf("%s changed compatibly for its %d direct dependent(s)", n.QualifiedName, count)
	return c
}
