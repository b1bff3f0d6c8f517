package tier

import (
	"fmt"
	"strings"

	"github.com/jward/conflux/internal/aggregate"
	"github.com/jward/conflux/internal/store"
	"github.com/jward/conflux/internal/update"
)

// Tier1 reads structural signals from the diff alone: removed symbols,
// changed signature shapes and reduced visibility. It does no I/O.
func Tier1(res *update.Result) []*aggregate.Conflict {
	if res == nil || res.CacheHit {
		return nil
	}
	var out []*aggregate.Conflict
	for _, ch := range res.Changes {
		n := ch.Node()
		if n.Kind == store.KindModule {
			continue
		}
		switch ch.Op {
		case store.OpRemove:
			c := newConflict(res, n.ID, Syntactic)
			c.Type = aggregate.TypeSymbolRemoved
			c.Severity = aggregate.SeverityHigh
			c.Confidence = ConfidenceSyntactic
			c.AffectedSymbols = []string{n.ID}
			c.Description = fmt.Sprintf("%s %s was removed from %s", n.Kind, n.QualifiedName, n.Path)
			out = append(out, c)

		case store.OpUpdate:
			if ch.Before == nil || ch.Before.SignatureHash == n.SignatureHash {
				continue
			}
			if reasons := Incompatibilities(ch.Before.Signature, n.Signature); len(reasons) > 0 {
				c := newConflict(res, n.ID, Syntactic)
				c.Type = aggregate.TypeSignatureChange
				c.Severity = aggregate.SeverityMedium
				c.Confidence = ConfidenceSyntactic
				c.AffectedSymbols = []string{n.ID}
				c.Description = fmt.Sprintf("signature of %s changed: %s", n.QualifiedName, strings.Join(reasons, "; "))
				out = append(out, c)
				continue
			}
			if VisibilityReduced(ch.Before.Visibility, n.Visibility) {
				c := newConflict(res, n.ID, Syntactic)
				c.Type = aggregate.TypeVisibilityReduced
				c.Severity = aggregate.SeverityMedium
				c.Confidence = ConfidenceSyntactic
				c.AffectedSymbols = []string{n.ID}
				c.Description = fmt.Sprintf("visibility of %s reduced from %s to %s",
					n.QualifiedName, ch.Before.Visibility, n.Visibility)
				out = append(out, c)
			}
		}
	}
	return out
}
