package runtime

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/risor-io/risor/object"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/store"
)

// NodeObject converts a graph node into the Risor map scripts see. Risor
// cannot reach into Go structs field by field, so the node is flattened.
func NodeObject(n *store.Node) *object.Map {
	tags := make([]object.Object, len(n.Tags))
	for i, t := range n.Tags {
		tags[i] = object.NewString(t)
	}
	params := make([]object.Object, len(n.Signature.Params))
	for i, p := range n.Signature.Params {
		params[i] = object.NewMap(map[string]object.Object{
			"name": object.NewString(p.Name),
			"type": object.NewString(p.Type),
		})
	}
	return object.NewMap(map[string]object.Object{
		"id":             object.NewString(n.ID),
		"kind":           object.NewString(string(n.Kind)),
		"repository":     object.NewString(n.Repository),
		"path":           object.NewString(n.Path),
		"name":           object.NewString(n.Name),
		"qualified_name": object.NewString(n.QualifiedName),
		"language":       object.NewString(n.Language),
		"visibility":     object.NewString(n.Visibility),
		"signature":      object.NewString(n.Signature.Text),
		"params":         object.NewList(params),
		"tags":           object.NewList(tags),
		"start_line":     object.NewInt(int64(n.StartLine)),
		"end_line":       object.NewInt(int64(n.EndLine)),
	})
}

// glob(pattern, path) → bool, doublestar semantics.
var globFn = object.NewBuiltin("glob", func(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 2 {
		return object.NewArgsError("glob", 2, len(args))
	}
	pattern, ok := args[0].(*object.String)
	if !ok {
		return object.Errorf("glob: pattern must be a string, got %s", args[0].Type())
	}
	path, ok := args[1].(*object.String)
	if !ok {
		return object.Errorf("glob: path must be a string, got %s", args[1].Type())
	}
	matched, err := doublestar.Match(pattern.Value(), path.Value())
	if err != nil {
		return object.Errorf("glob: %v", err)
	}
	return object.NewBool(matched)
})

// has_tag(node, tag) → bool
var hasTagFn = object.NewBuiltin("has_tag", func(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 2 {
		return object.NewArgsError("has_tag", 2, len(args))
	}
	m, ok := args[0].(*object.Map)
	if !ok {
		return object.Errorf("has_tag: node must be a map, got %s", args[0].Type())
	}
	tag, ok := args[1].(*object.String)
	if !ok {
		return object.Errorf("has_tag: tag must be a string, got %s", args[1].Type())
	}
	list, ok := m.Get("tags").(*object.List)
	if !ok {
		return object.False
	}
	for _, item := range list.Value() {
		if s, ok := item.(*object.String); ok && s.Value() == tag.Value() {
			return object.True
		}
	}
	return object.False
})

// logObject provides log.Info/Warn/Error for scripts.
type logObject struct {
	logger *zap.Logger
}

func (l *logObject) Info(msg string) {
	l.logger.Info(msg)
}

func (l *logObject) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l *logObject) Error(msg string) {
	l.logger.Error(msg)
}
