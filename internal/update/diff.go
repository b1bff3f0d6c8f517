package update

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/jward/conflux/internal/parser"
	"github.com/jward/conflux/internal/store"
)

// crossFileCandidates bounds how many same-named nodes a cross-file lookup
// considers.
const crossFileCandidates = 8

// buildDiff translates snap into deltas against the stored state of the
// file: node add/update/remove, edge add/remove and the file's pending
// references.
func (e *Engine) buildDiff(ctx context.Context, ev ChangeEvent, snap *parser.Snapshot, hash string) (*store.Diff, []Change, error) {
	lines := bytes.Count(ev.Content, []byte("\n")) + 1
	module := moduleNode(ev, snap.Language, hash, lines)

	next := []*store.Node{module}
	byQName := map[string]*store.Node{}
	byName := map[string][]*store.Node{}
	seen := map[string]bool{module.ID: true}
	for _, sym := range snap.Symbols {
		n := symbolNode(ev, snap.Language, sym)
		if seen[n.ID] {
			// Overloads share an identity; the first declaration wins.
			continue
		}
		seen[n.ID] = true
		next = append(next, n)
		byQName[n.QualifiedName] = n
		byName[n.Name] = append(byName[n.Name], n)
	}
	if e.tagger != nil {
		if err := e.tagger.Tag(ctx, next); err != nil {
			return nil, nil, err
		}
	}

	stored, err := e.graph.NodesByFile(ctx, ev.Repository, ev.Path).Collect()
	if err != nil {
		return nil, nil, err
	}
	prev := make(map[string]*store.Node, len(stored))
	for _, n := range stored {
		prev[n.ID] = n
	}

	diff := &store.Diff{
		Repository:  ev.Repository,
		Path:        ev.Path,
		Language:    snap.Language,
		ContentHash: hash,
		Version:     ev.Version,
	}
	var changes []Change
	for _, n := range next {
		old, ok := prev[n.ID]
		switch {
		case !ok:
			diff.Nodes = append(diff.Nodes, store.NodeDelta{Op: store.OpAdd, Node: n})
			changes = append(changes, Change{Op: store.OpAdd, After: n})
		case nodeChanged(old, n):
			diff.Nodes = append(diff.Nodes, store.NodeDelta{Op: store.OpUpdate, Node: n})
			changes = append(changes, Change{Op: store.OpUpdate, Before: old, After: n})
		}
	}
	for _, old := range stored {
		if !seen[old.ID] {
			diff.Nodes = append(diff.Nodes, store.NodeDelta{Op: store.OpRemove, Node: old})
			changes = append(changes, Change{Op: store.OpRemove, Before: old})
		}
	}

	edges, pending, err := e.resolveRefs(ctx, ev, snap.References, module, byQName, byName)
	if err != nil {
		return nil, nil, err
	}
	diff.Pending = pending

	storedEdges, err := e.graph.EdgesByFile(ctx, ev.Repository, ev.Path)
	if err != nil {
		return nil, nil, err
	}
	have := make(map[string]bool, len(storedEdges))
	for _, se := range storedEdges {
		have[se.ID] = true
		if _, keep := edges[se.ID]; !keep {
			diff.Edges = append(diff.Edges, store.EdgeDelta{Op: store.OpRemove, Edge: se})
		}
	}
	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !have[id] {
			diff.Edges = append(diff.Edges, store.EdgeDelta{Op: store.OpAdd, Edge: edges[id]})
		}
	}
	return diff, changes, nil
}

// resolveRefs turns parser references into edges. Names declared in the
// file resolve syntactically; other names are looked up across the
// repository and become inferred edges; anything still unknown is parked as
// a pending reference.
func (e *Engine) resolveRefs(
	ctx context.Context,
	ev ChangeEvent,
	refs []parser.Reference,
	module *store.Node,
	byQName map[string]*store.Node,
	byName map[string][]*store.Node,
) (map[string]*store.Edge, []store.PendingRef, error) {
	edges := map[string]*store.Edge{}
	var pending []store.PendingRef
	pendingSeen := map[string]bool{}
	remote := map[string]*store.Node{}

	for _, ref := range refs {
		if ref.Name == "" {
			continue
		}
		source := module
		if ref.From != "" {
			if n, ok := byQName[ref.From]; ok {
				source = n
			}
		}

		method := store.CreatedSyntactic
		target := byQName[ref.Name]
		if target == nil {
			if cands := byName[ref.Name]; len(cands) > 0 {
				target = cands[0]
			}
		}
		if target == nil {
			method = store.CreatedInferred
			t, ok := remote[ref.Name]
			if !ok {
				var err error
				t, err = e.lookupRemote(ctx, ev, ref.Name)
				if err != nil {
					return nil, nil, err
				}
				remote[ref.Name] = t
			}
			target = t
		}

		if target == nil {
			key := source.ID + "\x00" + ref.Name + "\x00" + string(ref.Kind)
			if !pendingSeen[key] {
				pendingSeen[key] = true
				pending = append(pending, store.PendingRef{
					Repository: ev.Repository,
					Path:       ev.Path,
					Source:     source.ID,
					TargetName: ref.Name,
					Kind:       ref.Kind,
				})
			}
			continue
		}
		if target.ID == source.ID {
			continue
		}
		id := store.EdgeID(source.ID, target.ID, ref.Kind)
		if _, ok := edges[id]; ok {
			continue
		}
		edges[id] = &store.Edge{
			ID:             id,
			Source:         source.ID,
			Target:         target.ID,
			Kind:           ref.Kind,
			CreationMethod: method,
			RefName:        ref.Name,
			Repository:     ev.Repository,
			Path:           ev.Path,
		}
	}
	return edges, pending, nil
}

// lookupRemote finds a node named name declared in another file.
func (e *Engine) lookupRemote(ctx context.Context, ev ChangeEvent, name string) (*store.Node, error) {
	cands, err := e.graph.FindNodes(ctx, ev.Repository, name, crossFileCandidates)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		if c.Path != ev.Path {
			return c, nil
		}
	}
	return nil, nil
}

func symbolNode(ev ChangeEvent, lang string, sym parser.Symbol) *store.Node {
	n := &store.Node{
		ID:            store.NodeID(sym.Kind, ev.Repository, ev.Path, sym.QualifiedName),
		Kind:          sym.Kind,
		Repository:    ev.Repository,
		Path:          ev.Path,
		Name:          sym.Name,
		QualifiedName: sym.QualifiedName,
		Language:      lang,
		StartLine:     sym.StartLine,
		EndLine:       sym.EndLine,
		Visibility:    sym.Visibility,
		Signature:     sym.Signature,
		ContentHash:   sym.ContentHash,
	}
	n.SignatureHash = store.ComputeSignatureHash(n.Kind, n.Visibility, n.Signature)
	return n
}

// nodeChanged reports whether next differs from the stored version in
// anything the store persists.
func nodeChanged(old, next *store.Node) bool {
	return old.ContentHash != next.ContentHash ||
		old.SignatureHash != next.SignatureHash ||
		old.Visibility != next.Visibility ||
		old.Language != next.Language ||
		old.StartLine != next.StartLine ||
		old.EndLine != next.EndLine ||
		old.Signature.Text != next.Signature.Text ||
		!sameTags(old.Tags, next.Tags)
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// diffHash fingerprints the structural output of a diff for lineage.
func diffHash(d *store.Diff) string {
	var b strings.Builder
	for _, nd := range d.Nodes {
		b.WriteString(string(nd.Op))
		b.WriteByte(' ')
		b.WriteString(nd.Node.ID)
		b.WriteByte(' ')
		b.WriteString(nd.Node.ContentHash)
		b.WriteByte('\n')
	}
	for _, ed := range d.Edges {
		b.WriteString(string(ed.Op))
		b.WriteByte(' ')
		b.WriteString(ed.Edge.ID)
		b.WriteByte('\n')
	}
	return store.ContentHash([]byte(b.String()))
}
