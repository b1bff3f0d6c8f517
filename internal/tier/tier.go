// Package tier implements the three conflict detection tiers and the
// pipeline that runs them per file version.
//
// Tier 1 reads only the diff. Tier 2 adds one hop of dependents and a
// contract comparison. Tier 3 walks the reachability index for the full
// transitive impact and the critical-path check. Every tier returns
// conflicts keyed by the same ID so the aggregator can refine them.
package tier

import (
	"errors"
	"fmt"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// Tier numbers.
const (
	Syntactic   = 1
	Semantic    = 2
	GraphImpact = 3
)

// Confidence levels each tier assigns.
const (
	ConfidenceSyntactic    = 0.6
	ConfidenceCompatible   = 0.7
	ConfidenceNoDependents = 0.75
	ConfidenceBreaking     = 0.9
	ConfidenceImpact       = 0.85
	ConfidenceCritical     = 0.95
)

// MaxAffected caps the symbol IDs listed on one conflict. Counting goes on
// past the cap; only the listing stops.
const MaxAffected = 512

// ErrTierTimeout reports a tier that ran out of time. The previous tier's
// result stands.
var ErrTierTimeout = errors.New("tier timeout")

// Name returns the display name of a tier.
func Name(tier int) string {
	switch tier {
	case Syntactic:
		return "syntactic"
	case Semantic:
		return "semantic"
	case GraphImpact:
		return "graph-impact"
	}
	return fmt.Sprintf("tier%d", tier)
}

// changeIndex maps anchor node IDs to the change that produced them.
type changeIndex map[string]update.Change

func indexChanges(res *update.Result) changeIndex {
	idx := make(changeIndex, len(res.Changes))
	for _, c := range res.Changes {
		idx[c.Node().ID] = c
	}
	return idx
}

func newConflict(res *update.Result, anchor string, tier int) *aggregate.Conflict {
	return &aggregate.Conflict{
		ID:         store.ConflictID(res.Repository, res.Path, anchor, res.Seq()),
		Tier:       tier,
		Repository: res.Repository,
		Path:       res.Path,
		Anchor:     anchor,
		Version:    res.Seq(),
	}
}

// affectedSet collects distinct symbol IDs up to MaxAffected while counting
// all of them. Past the cap IDs are no longer remembered, so the count may
// include repeats.
type affectedSet struct {
	ids   []string
	seen  map[string]bool
	count int
}

func newAffectedSet() *affectedSet {
	return &affectedSet{seen: map[string]bool{}}
}

func (s *affectedSet) add(id string) {
	if s.seen[id] {
		return
	}
	s.count++
	if len(s.ids) < MaxAffected {
		s.seen[id] = true
		s.ids = append(s.ids, id)
	}
}

func (s *affectedSet) list() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}
